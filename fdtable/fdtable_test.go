package fdtable

import (
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableGetAutoCreate(t *testing.T) {
	tbl := New()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())

	assert.Nil(t, tbl.Get(fd, false), "expected nil before auto-create")

	rec := tbl.Get(fd, true)
	require.NotNil(t, rec, "expected non-nil record after auto-create")
	assert.False(t, rec.IsSocket(), "a pipe fd must not classify as a socket")

	assert.Same(t, rec, tbl.Get(fd, true), "Get must return the same record on repeat lookups")
}

func TestTableClassifiesSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	defer ln.Close()

	sc, ok := ln.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		t.Skip("listener does not expose a raw fd in this environment")
	}
	raw, err := sc.SyscallConn()
	require.NoError(t, err)

	var fd int
	require.NoError(t, raw.Control(func(fdPtr uintptr) { fd = int(fdPtr) }))

	tbl := New()
	rec := tbl.Get(fd, true)
	assert.True(t, rec.IsSocket(), "listening TCP socket must classify as a socket")
	assert.True(t, rec.SystemNonBlock(), "registering a socket fd must force system-level non-blocking")
}

func TestTableGrowsPastInitialCapacity(t *testing.T) {
	tbl := New()
	const fd = 200 // past the initial 64-slot allocation

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	tbl.Get(fd, true)
	assert.Greater(t, len(tbl.recs), fd, "table did not grow past fd %d", fd)
}

func TestTableRemove(t *testing.T) {
	tbl := New()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	tbl.Get(fd, true)
	tbl.Remove(fd)

	assert.Nil(t, tbl.Get(fd, false), "expected nil after Remove")
}

func TestRecordTimeoutsDefaultUnset(t *testing.T) {
	tbl := New()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	rec := tbl.Get(int(r.Fd()), true)
	assert.Equal(t, NoTimeout, rec.Timeout(RecvTimeout), "recv timeout should default to NoTimeout")

	rec.SetTimeout(SendTimeout, 1500)
	assert.EqualValues(t, 1500, rec.Timeout(SendTimeout), "send timeout was not persisted")
}

func TestMarkClosed(t *testing.T) {
	tbl := New()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int(r.Fd())
	tbl.Get(fd, true)
	tbl.MarkClosed(fd)

	assert.True(t, tbl.Get(fd, false).Closed(), "expected Closed() to report true after MarkClosed")
}
