package syscallhook

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coro/fdtable"
	"github.com/joeycumines/go-coro/reactor"
	"github.com/joeycumines/go-coro/scheduler"
	"github.com/joeycumines/go-coro/timerheap"
)

// suspendWitness tracks whether a suspended call's deadline fired before it
// was resumed by readiness. The *byte passed to AddConditional only proves
// liveness; the actual outcome lives in cancelled, set from the timer
// callback before it cancels the armed event that would otherwise wake the
// coroutine a second time.
type suspendWitness struct {
	cancelled atomic.Bool
}

// doIO is the shared retry/suspend loop behind Read, Write, Recv, Send, and
// Accept: retry on EINTR, suspend on EAGAIN/EWOULDBLOCK by arming dir on fd
// and parking the calling coroutine until the reactor reports readiness or
// a timeout elapses, otherwise return the raw result unchanged.
//
// Grounded on hook.cc's doIO template: the lookup-then-passthrough guard
// (no record, not-a-socket, or the caller already asked for non-blocking
// via fcntl/ioctl all skip straight to a single raw attempt; a record
// marked closed returns EBADF),
// then the retry loop, then the suspend-with-optional-timeout dance using
// a conditional timer keyed on a witness object — addConditionTimer's
// weak_ptr<TimerInfo> here becomes a freshly allocated *byte per suspend,
// checked for GC liveness by timerheap.Heap at the deadline. Go's garbage
// collector makes the witness pointer's liveness check all but guaranteed
// to succeed (nothing captured by the timer closure can be collected while
// this function's stack frame — which references it at the very end, after
// YieldToHold returns — is still live), unlike the C++ original where the
// weak_ptr exists specifically to guard against the fiber itself having
// been destroyed out from under a pending timer.
func doIO(env *Env, fd int, dir reactor.Event, kind fdtable.TimeoutKind, op func() (int, error)) (int, error) {
	if env == nil || !env.Enabled() {
		return op()
	}

	rec := env.Table.Get(fd, false)
	if rec != nil && rec.Closed() {
		return -1, unix.EBADF
	}
	if rec == nil || !rec.IsSocket() || rec.UserNonBlock() {
		return op()
	}

	timeoutMS := rec.Timeout(kind)

	for {
		n, err := op()
		for err == unix.EINTR {
			n, err = op()
		}
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			return n, err
		}

		witness := new(suspendWitness)
		live := new(byte)
		var handle *timerheap.TimerHandle
		if timeoutMS != fdtable.NoTimeout {
			handle = env.Reactor.Timers().AddConditional(env.Reactor.NowMS(), timeoutMS, false, func() {
				witness.cancelled.Store(true)
				_ = env.Reactor.CancelEvent(fd, dir)
			}, live)
		}

		if aerr := env.Reactor.AddEvent(fd, dir, env.Self, env.WorkerID, nil); aerr != nil {
			if handle != nil {
				handle.Cancel()
			}
			return -1, unix.EBADF
		}

		env.Self.YieldToHold()
		runtime.KeepAlive(live)

		if handle != nil {
			handle.Cancel()
		}
		if witness.cancelled.Load() {
			return -1, unix.ETIMEDOUT
		}
		// Readiness fired (or the event was cancelled some other way); loop
		// back and retry the operation.
	}
}

// Read re-plumbs unix.Read: suspends the calling coroutine instead of
// returning EAGAIN on a tracked, blocking-mode socket fd.
func Read(env *Env, fd int, p []byte) (int, error) {
	return doIO(env, fd, reactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		return unix.Read(fd, p)
	})
}

// Write re-plumbs unix.Write.
func Write(env *Env, fd int, p []byte) (int, error) {
	return doIO(env, fd, reactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		return unix.Write(fd, p)
	})
}

// Recv re-plumbs unix.Recvfrom with a nil source address (recv(2)).
func Recv(env *Env, fd int, p []byte, flags int) (int, error) {
	return doIO(env, fd, reactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		n, _, err := unix.Recvfrom(fd, p, flags)
		return n, err
	})
}

// RecvFrom re-plumbs unix.Recvfrom, additionally returning the sender.
func RecvFrom(env *Env, fd int, p []byte, flags int) (int, unix.Sockaddr, error) {
	var from unix.Sockaddr
	n, err := doIO(env, fd, reactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		nn, sa, rerr := unix.Recvfrom(fd, p, flags)
		from = sa
		return nn, rerr
	})
	return n, from, err
}

// Send re-plumbs unix.Sendto with a nil destination (send(2)).
func Send(env *Env, fd int, p []byte, flags int) (int, error) {
	return doIO(env, fd, reactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, nil); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// SendTo re-plumbs unix.Sendto.
func SendTo(env *Env, fd int, p []byte, flags int, to unix.Sockaddr) (int, error) {
	return doIO(env, fd, reactor.EventWrite, fdtable.SendTimeout, func() (int, error) {
		if err := unix.Sendto(fd, p, flags, to); err != nil {
			return -1, err
		}
		return len(p), nil
	})
}

// Accept re-plumbs unix.Accept, registering the accepted fd in the same
// table so its own hooked calls are tracked from first use.
func Accept(env *Env, fd int) (int, unix.Sockaddr, error) {
	var newfd int
	var sa unix.Sockaddr
	_, err := doIO(env, fd, reactor.EventRead, fdtable.RecvTimeout, func() (int, error) {
		nfd, addr, aerr := unix.Accept(fd)
		if aerr != nil {
			return -1, aerr
		}
		newfd, sa = nfd, addr
		return nfd, nil
	})
	if err == nil && env != nil && env.Enabled() {
		env.Table.Get(newfd, true)
	}
	return newfd, sa, err
}

// Socket re-plumbs unix.Socket, registering the new fd in the table so
// later hooked calls on it are tracked.
func Socket(env *Env, domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return fd, err
	}
	if env != nil && env.Enabled() {
		env.Table.Get(fd, true)
	}
	return fd, nil
}

// Connect re-plumbs unix.Connect: a non-blocking connect() that returns
// EINPROGRESS arms the write direction with a conditional timeout and
// resumes the caller once the kernel reports the outcome via SO_ERROR,
// exactly as connectWithTimeout does.
func Connect(env *Env, fd int, addr unix.Sockaddr) error {
	if env == nil || !env.Enabled() {
		return unix.Connect(fd, addr)
	}

	rec := env.Table.Get(fd, false)
	if rec != nil && rec.Closed() {
		return unix.EBADF
	}
	if rec == nil || !rec.IsSocket() || rec.UserNonBlock() {
		return unix.Connect(fd, addr)
	}

	err := unix.Connect(fd, addr)
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS {
		return err
	}

	witness := new(suspendWitness)
	live := new(byte)
	var handle *timerheap.TimerHandle
	timeoutMS := env.connectTimeoutMS()
	if timeoutMS != fdtable.NoTimeout {
		handle = env.Reactor.Timers().AddConditional(env.Reactor.NowMS(), timeoutMS, false, func() {
			witness.cancelled.Store(true)
			_ = env.Reactor.CancelEvent(fd, reactor.EventWrite)
		}, live)
	}

	if aerr := env.Reactor.AddEvent(fd, reactor.EventWrite, env.Self, env.WorkerID, nil); aerr != nil {
		if handle != nil {
			handle.Cancel()
		}
		return unix.EBADF
	}

	env.Self.YieldToHold()
	runtime.KeepAlive(live)

	if handle != nil {
		handle.Cancel()
	}
	if witness.cancelled.Load() {
		return unix.ETIMEDOUT
	}

	soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr != nil {
		return gerr
	}
	if soErr != 0 {
		return unix.Errno(soErr)
	}
	return nil
}

// Close re-plumbs unix.Close: any reactor events still armed on fd are
// cancelled (waking their parked coroutines with whatever partial result
// they already have) before the record is dropped and the fd actually
// closed, matching hook.cc's close() ordering.
func Close(env *Env, fd int) error {
	if env != nil && env.Enabled() {
		if rec := env.Table.Get(fd, false); rec != nil {
			env.Reactor.CancelAll(fd)
			env.Table.MarkClosed(fd)
			env.Table.Remove(fd)
		}
	}
	return unix.Close(fd)
}

// Sleep suspends the calling coroutine for ms milliseconds by scheduling a
// plain (unconditional) timer that re-submits it to the reactor's
// scheduler, then yielding to HOLD — the hooked rendering of sleep/usleep/
// nanosleep, which all reduce to "park this fiber, wake it on a timer"
// once hook.cc translates their units to milliseconds.
func Sleep(env *Env, ms uint64) {
	if env == nil || !env.Enabled() {
		return
	}
	env.Reactor.Timers().Add(env.Reactor.NowMS(), ms, false, func() {
		env.Reactor.Schedule(scheduler.Task{Coro: env.Self, ThreadID: env.WorkerID}, false)
	})
	env.Self.YieldToHold()
}

// FcntlSetFL re-plumbs fcntl(fd, F_SETFL, flags): a tracked socket's user-
// facing non-blocking preference is recorded in its Record, but the fd
// itself is always left (or forced) non-blocking at the system level so
// doIO's retry loop can tell readiness apart from a real error.
func FcntlSetFL(env *Env, fd int, flags int) (int, error) {
	if env == nil || !env.Enabled() {
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
	}
	rec := env.Table.Get(fd, false)
	if rec == nil || rec.Closed() || !rec.IsSocket() {
		return unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
	}
	rec.SetUserNonBlock(flags&unix.O_NONBLOCK != 0)
	if rec.SystemNonBlock() {
		flags |= unix.O_NONBLOCK
	} else {
		flags &^= unix.O_NONBLOCK
	}
	return unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags)
}

// FcntlGetFL re-plumbs fcntl(fd, F_GETFL): the O_NONBLOCK bit reported back
// reflects the caller's own preference, not the system-forced flag, so a
// caller that never asked for non-blocking keeps seeing a blocking-looking
// fd even though it's non-blocking underneath.
func FcntlGetFL(env *Env, fd int) (int, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return flags, err
	}
	if env == nil || !env.Enabled() {
		return flags, nil
	}
	rec := env.Table.Get(fd, false)
	if rec == nil || rec.Closed() || !rec.IsSocket() {
		return flags, nil
	}
	if rec.UserNonBlock() {
		return flags | unix.O_NONBLOCK, nil
	}
	return flags &^ unix.O_NONBLOCK, nil
}

// SetNonblocking re-plumbs ioctl(fd, FIONBIO, ...): the same illusion-of-
// blocking principle as FcntlSetFL, applied via the ioctl path the way
// hook.cc's ioctl() special-cases FIONBIO instead of falling through to a
// raw passthrough.
func SetNonblocking(env *Env, fd int, nonblocking bool) error {
	if env != nil && env.Enabled() {
		if rec := env.Table.Get(fd, false); rec != nil && !rec.Closed() && rec.IsSocket() {
			rec.SetUserNonBlock(nonblocking)
			return unix.SetNonblock(fd, rec.SystemNonBlock())
		}
	}
	return unix.SetNonblock(fd, nonblocking)
}

// SetsockoptTimeout re-plumbs setsockopt(fd, SOL_SOCKET, SO_RCVTIMEO/
// SO_SNDTIMEO, ...): the real option is still set (so an un-hooked
// process-wide fallback keeps working), but the value is also recorded
// into the fd's Record so doIO's retry loop can honour it.
func SetsockoptTimeout(env *Env, fd int, kind fdtable.TimeoutKind, tv *unix.Timeval) error {
	opt := unix.SO_RCVTIMEO
	if kind == fdtable.SendTimeout {
		opt = unix.SO_SNDTIMEO
	}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, tv); err != nil {
		return err
	}
	if env != nil && env.Enabled() {
		if rec := env.Table.Get(fd, false); rec != nil {
			ms := uint64(tv.Sec)*1000 + uint64(tv.Usec)/1000
			rec.SetTimeout(kind, ms)
		}
	}
	return nil
}
