// Package coroutine implements a stackful coroutine primitive.
//
// A ucontext/setjmp-longjmp based implementation would hand-save and
// restore a CPU context to switch stacks. Go already gives every
// goroutine its own growable stack managed by the runtime scheduler, so the
// idiomatic rendering of "swap into a stackful context" is a goroutine
// parked on an unbuffered channel: SwapIn hands control to that goroutine
// and blocks until it either yields or terminates; the goroutine, inside
// the entry closure, calls YieldToHold/YieldToReady to hand control back.
// Exactly one of {resumer, coroutine} is ever runnable at a time, which is
// the same single-owner guarantee a real context switch provides.
package coroutine

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-coro/corolog"
	"github.com/joeycumines/go-coro/coroerr"
)

// EntryFunc is a coroutine's body. It receives the Coroutine it is running
// on so it can call YieldToHold/YieldToReady on itself — the Go-idiomatic
// substitute for the source's implicit "current fiber" thread-local,
// avoided here so Coroutine stays free of global state (see scheduler for
// the actual current/master bookkeeping).
type EntryFunc func(self *Coroutine)

var idCounter atomic.Uint64

// Coroutine is one stackful execution context.
type Coroutine struct {
	id        uint64
	stackSize int64
	logger    *corolog.Logger

	state atomicState

	entry  EntryFunc
	resume chan struct{}
	park   chan struct{}
	once   *sync.Once

	// panicValue/panicStack record the cause of an EXCEPTION transition,
	// for diagnostics; see Err().
	panicValue any
	panicStack []byte
}

// Spawn allocates a new coroutine in state INIT. stackSize is accepted for
// API fidelity with a configurable stack buffer size (default 1 MiB), but
// Go goroutine stacks grow on demand, so the value is not an allocation and
// is only surfaced via StackSize() for callers that want to report it.
// entry must be non-nil: the entry closure is what distinguishes a worker
// coroutine from the calling goroutine, which swaps into it but is never
// itself represented by a Coroutine value.
func Spawn(entry EntryFunc, stackSize int64, logger *corolog.Logger) *Coroutine {
	if entry == nil {
		panic(&coroerr.Misuse{Op: "Spawn", Reason: "entry must not be nil"})
	}
	if stackSize <= 0 {
		stackSize = 1 << 20
	}
	if logger == nil {
		logger = corolog.Default()
	}
	c := &Coroutine{
		id:        idCounter.Add(1),
		stackSize: stackSize,
		logger:    logger,
		entry:     entry,
		resume:    make(chan struct{}),
		park:      make(chan struct{}),
		once:      new(sync.Once),
	}
	c.state.Store(StateInit)
	return c
}

// ID returns the coroutine's unique, monotonically-assigned identifier.
func (c *Coroutine) ID() uint64 { return c.id }

// StackSize returns the stack size this coroutine was spawned/reset with.
func (c *Coroutine) StackSize() int64 { return c.stackSize }

// State returns the coroutine's current lifecycle state.
func (c *Coroutine) State() State { return c.state.Load() }

// Err returns the panic value recovered from the entry closure, if the
// coroutine is in state EXCEPTION, and nil otherwise.
func (c *Coroutine) Err() error {
	if c.state.Load() != StateException {
		return nil
	}
	if err, ok := c.panicValue.(error); ok {
		return &coroerr.UserPanic{CoroutineID: c.id, Value: err, Stack: c.panicStack}
	}
	return &coroerr.UserPanic{CoroutineID: c.id, Value: c.panicValue, Stack: c.panicStack}
}

// SwapIn resumes the coroutine, blocking the caller until the coroutine
// yields (READY/HOLD) or terminates (TERM/EXCEPTION). The caller's own
// goroutine stack stands in for the master context a real context-switch
// implementation would need to save explicitly, since Go already preserves
// it for free.
//
// The INIT/READY/HOLD -> EXEC transition is CAS-guarded rather than a plain
// Store: a Coroutine has exactly one owner at a time, and two resumers
// racing to SwapIn the same coroutine concurrently is exactly the kind of
// invariant violation the swap primitive itself must catch rather than
// silently let both proceed.
func (c *Coroutine) SwapIn() error {
	cur := c.state.Load()
	for {
		if !cur.Resumable() {
			return &coroerr.Misuse{Op: "SwapIn", Reason: fmt.Sprintf("coroutine %d not resumable from state %s", c.id, cur)}
		}
		if c.state.CompareAndSwap(cur, StateExec) {
			break
		}
		cur = c.state.Load()
	}

	if cur == StateInit {
		c.once.Do(func() { go c.run() })
	}

	c.resume <- struct{}{}
	<-c.park

	if c.state.Load() == StateExec {
		return &coroerr.CoroutineFault{CoroutineID: c.id, Reason: "parked without leaving EXEC"}
	}
	return nil
}

// run is the backing goroutine's body; it only ever executes once per
// (re)spawn, started lazily by the first SwapIn.
func (c *Coroutine) run() {
	<-c.resume // wait for the SwapIn that started us

	func() {
		defer func() {
			if r := recover(); r != nil {
				c.panicValue = r
				c.panicStack = debug.Stack()
				c.state.Store(StateException)
				c.logger.Err().
					Uint64("coroutine_id", c.id).
					Any("panic", r).
					Log("coroutine: entry closure panicked")
			}
		}()
		c.entry(c)
		// A cooperative yield sets its own target state before parking;
		// reaching here means entry returned normally.
		if c.state.Load() == StateExec {
			c.state.Store(StateTerm)
		}
	}()

	c.park <- struct{}{}
	// After this send, run must never touch c.resume/c.park again: the
	// goroutine returns here and a subsequent SwapIn (only possible after
	// Reset replaces the channels) starts an entirely new goroutine.
}

// yieldTo sets the target state and swaps out, blocking until the next
// SwapIn. It is the shared body of YieldToReady/YieldToHold: the inverse
// of SwapIn.
func (c *Coroutine) yieldTo(target State) {
	c.state.Store(target)
	c.park <- struct{}{}
	<-c.resume
}

// YieldToReady suspends the calling coroutine in state READY: the
// scheduler should re-submit it for another immediate turn. Must be called
// from within the coroutine's own entry closure.
func (c *Coroutine) YieldToReady() { c.yieldTo(StateReady) }

// YieldToHold suspends the calling coroutine in state HOLD: it is waiting
// on an external event (I/O, timer, explicit wake) and will not run again
// until something resumes it. Must be called from within the coroutine's
// own entry closure.
func (c *Coroutine) YieldToHold() { c.yieldTo(StateHold) }

// Reset rearms a terminal (or never-started) coroutine with a new entry
// closure, reusing the Coroutine value. Valid only from INIT, TERM, or
// EXCEPTION.
func (c *Coroutine) Reset(entry EntryFunc) error {
	if entry == nil {
		return &coroerr.Misuse{Op: "Reset", Reason: "entry must not be nil"}
	}
	cur := c.state.Load()
	if cur != StateInit && !cur.IsTerminal() {
		return &coroerr.Misuse{Op: "Reset", Reason: fmt.Sprintf("coroutine %d not resettable from state %s", c.id, cur)}
	}
	c.entry = entry
	c.resume = make(chan struct{})
	c.park = make(chan struct{})
	c.once = new(sync.Once)
	c.panicValue = nil
	c.panicStack = nil
	c.state.Store(StateInit)
	return nil
}
