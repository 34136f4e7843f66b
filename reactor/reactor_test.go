//go:build linux

package reactor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-coro/scheduler"
)

func newTestReactor(t *testing.T, threadCount int) *Reactor {
	t.Helper()
	r, err := New(threadCount, false, "t", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestAddEventRejectsDoubleArm(t *testing.T) {
	r := newTestReactor(t, 1)

	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()
	fd := int(rd.Fd())

	require.NoError(t, r.AddEvent(fd, EventRead, nil, scheduler.AnyWorker, func() {}))
	err = r.AddEvent(fd, EventRead, nil, scheduler.AnyWorker, func() {})
	assert.ErrorIs(t, err, ErrAlreadyArmed)
}

func TestRemoveEventNotArmedReturnsError(t *testing.T) {
	r := newTestReactor(t, 1)

	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()

	err = r.RemoveEvent(int(rd.Fd()), EventRead)
	assert.ErrorIs(t, err, ErrNotArmed)
}

func TestRemoveEventClearsWithoutFiring(t *testing.T) {
	r := newTestReactor(t, 1)
	r.Start()
	defer r.Stop()

	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()
	fd := int(rd.Fd())

	fired := make(chan struct{})
	require.NoError(t, r.AddEvent(fd, EventRead, nil, scheduler.AnyWorker, func() { close(fired) }))
	require.NoError(t, r.RemoveEvent(fd, EventRead))

	_, _ = wr.Write([]byte("x"))

	select {
	case <-fired:
		t.Fatal("handler fired after RemoveEvent")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCancelEventInvokesHandler(t *testing.T) {
	r := newTestReactor(t, 1)
	r.Start()
	defer r.Stop()

	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()
	fd := int(rd.Fd())

	fired := make(chan struct{})
	require.NoError(t, r.AddEvent(fd, EventRead, nil, scheduler.AnyWorker, func() { close(fired) }))
	require.NoError(t, r.CancelEvent(fd, EventRead))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel_event did not invoke handler")
	}
}

func TestCancelAllFiresEveryArmedDirection(t *testing.T) {
	r := newTestReactor(t, 1)
	r.Start()
	defer r.Stop()

	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()
	fd := int(wr.Fd())

	readFired := make(chan struct{})
	writeFired := make(chan struct{})
	require.NoError(t, r.AddEvent(fd, EventRead, nil, scheduler.AnyWorker, func() { close(readFired) }))
	require.NoError(t, r.AddEvent(fd, EventWrite, nil, scheduler.AnyWorker, func() { close(writeFired) }))

	r.CancelAll(fd)

	for _, ch := range []chan struct{}{readFired, writeFired} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("cancel_all did not fire all handlers")
		}
	}
}

func TestReadEventFiresWhenDataArrives(t *testing.T) {
	r := newTestReactor(t, 1)
	r.Start()
	defer r.Stop()

	rd, wr, err := os.Pipe()
	require.NoError(t, err)
	defer rd.Close()
	defer wr.Close()
	fd := int(rd.Fd())

	ready := make(chan struct{})
	require.NoError(t, r.AddEvent(fd, EventRead, nil, scheduler.AnyWorker, func() { close(ready) }))

	_, err = wr.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("read event never fired")
	}
}

func TestTimerFiresFromIdleLoop(t *testing.T) {
	r := newTestReactor(t, 1)
	r.Start()
	defer r.Stop()

	fired := make(chan struct{})
	r.Timers().Add(r.clock.NowMS(), 5, false, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired from idle loop")
	}
}

func TestTickleNoopsWithoutIdleWorker(t *testing.T) {
	r := newTestReactor(t, 1)
	assert.NotPanics(t, func() { r.tickle() })
}
