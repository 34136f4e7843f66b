//go:build linux

package syscallhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/joeycumines/go-coro/coroutine"
	"github.com/joeycumines/go-coro/fdtable"
	"github.com/joeycumines/go-coro/reactor"
	"github.com/joeycumines/go-coro/scheduler"
)

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(2, false, "t", nil, nil)
	require.NoError(t, err)
	r.Start()
	t.Cleanup(func() {
		r.Stop()
		_ = r.Close()
	})
	return r
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReadSuspendsUntilDataArrives(t *testing.T) {
	r := newTestReactor(t)
	table := fdtable.New()
	a, b := socketpair(t)
	table.Get(a, true)

	type res struct {
		n   int
		err error
	}
	result := make(chan res, 1)

	coro := coroutine.Spawn(func(self *coroutine.Coroutine) {
		env := NewEnv(r, table, nil, self, scheduler.AnyWorker)
		buf := make([]byte, 16)
		n, err := Read(env, a, buf)
		result <- res{n, err}
	}, 0, nil)
	r.Schedule(scheduler.Task{Coro: coro, ThreadID: scheduler.AnyWorker}, false)

	select {
	case <-result:
		t.Fatal("read returned before any data arrived")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := unix.Write(b, []byte("hi"))
	require.NoError(t, err)

	select {
	case got := <-result:
		assert.NoError(t, got.err)
		assert.Equal(t, 2, got.n)
	case <-time.After(time.Second):
		t.Fatal("read never resumed after data arrived")
	}
}

func TestReadTimesOutWhenNoDataArrives(t *testing.T) {
	r := newTestReactor(t)
	table := fdtable.New()
	a, _ := socketpair(t)
	rec := table.Get(a, true)
	rec.SetTimeout(fdtable.RecvTimeout, 30)

	result := make(chan error, 1)
	coro := coroutine.Spawn(func(self *coroutine.Coroutine) {
		env := NewEnv(r, table, nil, self, scheduler.AnyWorker)
		buf := make([]byte, 8)
		_, err := Read(env, a, buf)
		result <- err
	}, 0, nil)
	r.Schedule(scheduler.Task{Coro: coro, ThreadID: scheduler.AnyWorker}, false)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, unix.ETIMEDOUT)
	case <-time.After(time.Second):
		t.Fatal("read never timed out")
	}
}

func TestConnectReturnsErrorFromRefusedHandshake(t *testing.T) {
	r := newTestReactor(t)
	table := fdtable.New()

	lfd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(lfd, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(lfd)
	require.NoError(t, err)
	addr := sa.(*unix.SockaddrInet4)
	require.NoError(t, unix.Close(lfd)) // nobody is listening on this port now

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)
	table.Get(fd, true)

	result := make(chan error, 1)
	coro := coroutine.Spawn(func(self *coroutine.Coroutine) {
		env := NewEnv(r, table, nil, self, scheduler.AnyWorker)
		result <- Connect(env, fd, &unix.SockaddrInet4{Port: addr.Port, Addr: addr.Addr})
	}, 0, nil)
	r.Schedule(scheduler.Task{Coro: coro, ThreadID: scheduler.AnyWorker}, false)

	select {
	case err := <-result:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("connect never resumed")
	}
}

func TestDisabledEnvBypassesSuspension(t *testing.T) {
	table := fdtable.New()
	a, _ := socketpair(t)
	table.Get(a, true) // forces system-level non-blocking

	env := NewEnv(nil, table, nil, nil, scheduler.AnyWorker)
	env.SetEnabled(false)

	buf := make([]byte, 4)
	_, err := Read(env, a, buf)
	assert.ErrorIs(t, err, unix.EAGAIN)
}

func TestFcntlSetFLRecordsUserPreferenceButKeepsSystemNonBlock(t *testing.T) {
	table := fdtable.New()
	fd, _ := socketpair(t)
	rec := table.Get(fd, true)
	require.True(t, rec.SystemNonBlock())

	env := NewEnv(nil, table, nil, nil, scheduler.AnyWorker)
	_, err := FcntlSetFL(env, fd, 0)
	require.NoError(t, err)
	assert.False(t, rec.UserNonBlock())

	flags, err := FcntlGetFL(env, fd)
	require.NoError(t, err)
	assert.Zero(t, flags&unix.O_NONBLOCK, "FcntlGetFL must report the caller's own preference, not the forced system flag")

	realFlags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, realFlags&unix.O_NONBLOCK, "the fd must remain non-blocking at the system level regardless of the caller's preference")
}

func TestSetsockoptTimeoutRecordsIntoTable(t *testing.T) {
	table := fdtable.New()
	fd, _ := socketpair(t)
	rec := table.Get(fd, true)

	env := NewEnv(nil, table, nil, nil, scheduler.AnyWorker)
	require.NoError(t, SetsockoptTimeout(env, fd, fdtable.RecvTimeout, &unix.Timeval{Sec: 1, Usec: 500000}))
	assert.EqualValues(t, 1500, rec.Timeout(fdtable.RecvTimeout))
}

func TestCloseCancelsArmedEventsBeforeClosingFD(t *testing.T) {
	r := newTestReactor(t)
	table := fdtable.New()
	a, _ := socketpair(t)
	table.Get(a, true)

	result := make(chan error, 1)
	coro := coroutine.Spawn(func(self *coroutine.Coroutine) {
		env := NewEnv(r, table, nil, self, scheduler.AnyWorker)
		buf := make([]byte, 8)
		_, err := Read(env, a, buf)
		result <- err
	}, 0, nil)
	r.Schedule(scheduler.Task{Coro: coro, ThreadID: scheduler.AnyWorker}, false)

	select {
	case <-result:
		t.Fatal("read returned before close")
	case <-time.After(50 * time.Millisecond):
	}

	env := NewEnv(r, table, nil, nil, scheduler.AnyWorker)
	require.NoError(t, Close(env, a))

	select {
	case err := <-result:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read never woke up after close")
	}
}
