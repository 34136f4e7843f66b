// Package scheduler implements an M:N coroutine scheduler: a pool of
// workers draining a cooperative FIFO task queue
// of coroutines and closures, each worker falling back to an overridable
// idle hook (reactor.Reactor overrides this to epoll_wait) when the queue
// is empty.
//
// Grounded on original_source/src/scheduler.cc/scheduler.h's Scheduler
// class. Two deliberate simplifications follow from Go already giving every
// goroutine its own suspendable stack:
//
//   - The source's "master coroutine" (a context every OS thread running
//     `run` must own before it can swap into task coroutines) has no Go
//     analogue: coroutine.Coroutine.SwapIn already uses the calling
//     goroutine as the implicit master. A worker's `run` loop is therefore
//     just a goroutine calling SwapIn in a loop, not itself wrapped in a
//     coroutine.
//   - The "scheduler fiber" — a coroutine created only when use_caller is
//     true, whose body is also `run`, letting the constructing thread
//     re-enter the scheduler — collapses to RunOnCaller calling the same
//     run loop directly on the calling goroutine. There is nothing for an
//     extra coroutine wrapper to suspend that a bare function call
//     wouldn't already provide.
//
// The idle coroutine itself (one per worker, bound to OnIdle) is kept
// literally: it is what reactor.Reactor overrides to block in epoll_wait
// instead of busy-looping.
package scheduler

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-coro/coroerr"
	"github.com/joeycumines/go-coro/corolog"
	"github.com/joeycumines/go-coro/coroutine"
)

// WorkerID identifies a worker for task affinity. AnyWorker means the task
// may be picked up by any worker.
type WorkerID int64

// AnyWorker is the thread_id sentinel meaning "no affinity".
const AnyWorker WorkerID = -1

// Task is an entry on the scheduler's queue: either a coroutine handle or a
// closure (which is wrapped in a fresh coroutine the first time a worker
// picks it up), optionally pinned to a specific worker.
type Task struct {
	Coro     *coroutine.Coroutine
	Callback func()
	ThreadID WorkerID
}

func (t *Task) empty() bool { return t.Coro == nil && t.Callback == nil }

// Scheduler is the worker pool. The zero value is not usable; call New.
type Scheduler struct {
	name        string
	threadCount int
	useCaller   bool
	logger      *corolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   *list.List // of *Task
	running bool

	activeCount atomic.Int64
	idleCount   atomic.Int64
	autoStop    atomic.Bool

	nextWorkerID atomic.Int64
	rootWorkerID WorkerID

	wg sync.WaitGroup

	// Tickle wakes one idle worker. The base implementation signals the
	// internal condition variable; reactor.Reactor overrides this to write
	// to its self-pipe instead. Must be set before Start/RunOnCaller.
	Tickle func()

	// OnIdle is the entry for each worker's idle coroutine: it starts on the
	// worker's first idle swap-in, and each later idle swap-in resumes it
	// where it last parked. The default loops "while not stopping, park in
	// HOLD", mirroring Scheduler::onIdle's base implementation; reactor
	// overrides it to drive epoll_wait and the timer heap.
	OnIdle func(self *coroutine.Coroutine, s *Scheduler)

	// SelfBlocking tells waitIdle that OnIdle already blocks appropriately
	// on its own each time it's swapped into (e.g. epoll_wait with a
	// computed timeout) and parks in HOLD only once that wait is over.
	// When true, waitIdle must not additionally park the worker goroutine
	// on cond — doing so would block it a second time behind a wakeup
	// (Tickle) that OnIdle's own blocking call, not cond.Broadcast, is
	// responsible for interrupting. reactor.New sets this to true.
	SelfBlocking bool
}

// New builds a Scheduler with the given worker pool size, use_caller flag,
// and diagnostic name. logger may be nil, in which case corolog.Default()
// is used.
func New(threadCount int, useCaller bool, name string, logger *corolog.Logger) *Scheduler {
	if threadCount < 1 {
		panic(&coroerr.Misuse{Op: "scheduler.New", Reason: "thread_count must be >= 1"})
	}
	if logger == nil {
		logger = corolog.Default()
	}
	s := &Scheduler{
		name:        name,
		threadCount: threadCount,
		useCaller:   useCaller,
		logger:      logger,
		tasks:       list.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	s.autoStop.Store(true) // mirrors m_stopping = true before the first start()
	if useCaller {
		s.rootWorkerID = 0
	} else {
		s.rootWorkerID = AnyWorker
	}
	s.Tickle = s.defaultTickle
	s.OnIdle = defaultOnIdle
	return s
}

func defaultOnIdle(self *coroutine.Coroutine, s *Scheduler) {
	for !s.IsStopping() {
		self.YieldToHold()
	}
}

func (s *Scheduler) defaultTickle() {
	if s.idleCount.Load() <= 0 {
		return
	}
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// HasIdleThread reports whether any worker is currently parked in its idle
// coroutine.
func (s *Scheduler) HasIdleThread() bool { return s.idleCount.Load() > 0 }

// IsStopping reports whether the scheduler has been asked to stop and has
// drained all work, per Scheduler::isStop: auto_stop && task_list.empty()
// && active_thread_count == 0.
func (s *Scheduler) IsStopping() bool {
	if !s.autoStop.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isStoppingLocked()
}

// isStoppingLocked is IsStopping's body for callers that already hold s.mu.
func (s *Scheduler) isStoppingLocked() bool {
	return s.autoStop.Load() && s.tasks.Len() == 0 && s.activeCount.Load() == 0
}

// Schedule enqueues exec for execution, waking a worker if the queue was
// empty. thread_id pins the task to a specific worker (AnyWorker for no
// affinity); instant pushes to the front of the queue.
func (s *Scheduler) Schedule(exec Task, instant bool) {
	if exec.empty() {
		panic(&coroerr.Misuse{Op: "scheduler.Schedule", Reason: "exec must carry a coroutine or a callback"})
	}

	s.mu.Lock()
	needTickle := s.tasks.Len() == 0
	if instant {
		s.tasks.PushFront(&exec)
	} else {
		s.tasks.PushBack(&exec)
	}
	s.mu.Unlock()

	if needTickle {
		s.Tickle()
	}
}

// Start spawns threadCount background workers (threadCount-1 if
// use_caller, since the caller itself contributes one), and marks the
// scheduler running. Non-blocking: callers that passed use_caller=true to
// New must additionally call RunOnCaller to actually contribute their
// goroutine to the pool.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.autoStop.Store(false)
	s.mu.Unlock()

	background := s.threadCount
	if s.useCaller {
		background--
	}

	for i := 0; i < background; i++ {
		id := WorkerID(s.nextWorkerID.Add(1))
		s.wg.Add(1)
		go func(id WorkerID) {
			defer s.wg.Done()
			s.run(id)
		}(id)
	}
}

// RunOnCaller contributes the calling goroutine to the pool as the "root"
// worker. Valid only for schedulers constructed with use_caller=true, and
// must be called after Start. Blocks until Stop causes the root worker's
// run loop to return.
func (s *Scheduler) RunOnCaller() {
	if !s.useCaller {
		panic(&coroerr.Misuse{Op: "scheduler.RunOnCaller", Reason: "scheduler was not constructed with use_caller"})
	}
	s.run(s.rootWorkerID)
}

// Stop requests the scheduler to drain and exit, then waits for every
// background worker to return. If use_caller is true, the caller must
// still observe RunOnCaller returning on its own goroutine; Stop only
// tickles it awake.
func (s *Scheduler) Stop() {
	s.autoStop.Store(true)

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	// Wake every idle worker (background and, if present, root) so each
	// observes IsStopping() and its idle coroutine can terminate.
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
	s.Tickle()

	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// run is the body of every worker, per Scheduler::run.
func (s *Scheduler) run(id WorkerID) {
	idle := coroutine.Spawn(func(self *coroutine.Coroutine) {
		s.OnIdle(self, s)
	}, 0, s.logger)

	for {
		task, tickleMe := s.popTask(id)
		if tickleMe {
			s.Tickle()
		}

		if task == nil {
			if idle.State().IsTerminal() {
				return
			}
			s.idleCount.Add(1)
			s.waitIdle(idle)
			s.idleCount.Add(-1)
			continue
		}

		s.runTask(task)
	}
}

// waitIdle swaps into the idle coroutine. For the base (non-reactor)
// OnIdle, which bounces straight back to HOLD without blocking on
// anything itself, it additionally parks the worker goroutine on the
// scheduler's condition variable so the worker doesn't busy-spin.
//
// SelfBlocking schedulers (reactor.Reactor) skip that second park: their
// OnIdle already performed its own bounded wait (epoll_wait) before
// returning to HOLD, so swapping into idle again on the next loop
// iteration is itself the wait. Parking on cond here too would be a
// second, indefinite wait behind a wakeup path (Tickle writing the
// self-pipe) that only epoll_wait, not cond.Broadcast, ever observes —
// any Tickle that lands while the worker is asleep in cond.Wait would be
// silently lost, wedging the worker until Stop.
func (s *Scheduler) waitIdle(idle *coroutine.Coroutine) {
	_ = idle.SwapIn()
	if s.SelfBlocking {
		return
	}
	if idle.State() == coroutine.StateHold {
		s.mu.Lock()
		if s.tasks.Len() == 0 && !s.isStoppingLocked() {
			s.cond.Wait()
		}
		s.mu.Unlock()
	}
}

// popTask scans task_list front-to-back for the first task this worker may
// run: a task pinned to a different worker is skipped (tickling that
// worker instead), and a coroutine still mid-swap elsewhere (EXEC) is
// skipped until it parks.
func (s *Scheduler) popTask(id WorkerID) (task *Task, tickleMe bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.tasks.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Task)
		if t.ThreadID != AnyWorker && t.ThreadID != id {
			tickleMe = true
			continue
		}
		if t.Coro != nil && t.Coro.State() == coroutine.StateExec {
			continue
		}
		s.tasks.Remove(e)
		return t, tickleMe
	}
	return nil, tickleMe
}

// runTask swaps into the task's coroutine — wrapping a bare callback in a
// freshly spawned one, since goroutines are cheap enough in Go that
// reusing the source's single callback_fiber slot buys nothing — and
// re-submits it according to its post-swap state.
func (s *Scheduler) runTask(task *Task) {
	coro := task.Coro
	if coro == nil {
		coro = coroutine.Spawn(wrapCallback(task.Callback), 0, s.logger)
	}

	if coro.State().IsTerminal() {
		return
	}

	s.activeCount.Add(1)
	err := coro.SwapIn()
	s.activeCount.Add(-1)
	if err != nil {
		s.logger.Err().Err(err).Log("scheduler: swap_in rejected, dropping task")
		return
	}

	switch coro.State() {
	case coroutine.StateReady:
		s.Schedule(Task{Coro: coro, ThreadID: task.ThreadID}, true)
	case coroutine.StateHold:
		s.Schedule(Task{Coro: coro, ThreadID: task.ThreadID}, false)
	}
}

func wrapCallback(fn func()) coroutine.EntryFunc {
	return func(self *coroutine.Coroutine) { fn() }
}
