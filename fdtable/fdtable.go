// Package fdtable is a lazily-populated table of per-fd metadata — whether the
// fd is a socket, whether it's been forced non-blocking at the system level,
// the user's own non-blocking preference, and the recv/send timeouts the
// syscall hook layer (package syscallhook) consults before suspending a
// coroutine.
//
// Grown from original_source/include/fd_manager.h's FileDescriptorManagerImpl
// (a mutex-guarded std::vector<FileDescriptor::ptr>, indexed directly by fd,
// doubling in size on overflow) crossed with eventloop/poller_linux.go's
// direct-indexing-over-map preference for fd-keyed tables.
package fdtable

import (
	"sync"

	"golang.org/x/sys/unix"
)

// TimeoutKind selects which of a Record's two timeouts to get/set, mirroring
// the SO_RCVTIMEO/SO_SNDTIMEO distinction original_source/src/fd_manager.cc
// makes via getsockopt's optname.
type TimeoutKind int

const (
	RecvTimeout TimeoutKind = iota
	SendTimeout
)

// NoTimeout is the sentinel stored when a timeout has never been set,
// matching the source's use of (uint64_t)-1 for "block forever".
const NoTimeout uint64 = ^uint64(0)

// Record is the per-fd metadata the syscall hook layer consults: is this fd
// a socket (only sockets are ever suspended on), did the registry itself
// force O_NONBLOCK at the system level (systemNonBlock), and did the caller
// ask for non-blocking behaviour explicitly via fcntl/ioctl (userNonBlock) —
// for fds whose caller did not ask for it, the hook layer must still emulate
// blocking semantics even though the fd is non-blocking at the OS level.
type Record struct {
	mu sync.Mutex

	fd int

	isSocket       bool
	systemNonBlock bool
	userNonBlock   bool
	closed         bool

	recvTimeoutMS uint64
	sendTimeoutMS uint64
}

// FD returns the file descriptor this record describes.
func (r *Record) FD() int { return r.fd }

// IsSocket reports whether fstat classified this fd as a socket at
// registration time.
func (r *Record) IsSocket() bool { return r.isSocket }

// SystemNonBlock reports whether the registry itself forced O_NONBLOCK on
// this fd (always true for sockets; see Record doc).
func (r *Record) SystemNonBlock() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.systemNonBlock
}

// UserNonBlock reports whether the caller requested non-blocking behaviour
// via fcntl(F_SETFL, O_NONBLOCK) or ioctl(FIONBIO). When false, the syscall
// hook layer must emulate blocking even though the underlying fd is
// non-blocking at the OS level.
func (r *Record) UserNonBlock() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userNonBlock
}

// SetUserNonBlock records the caller's own non-blocking preference.
func (r *Record) SetUserNonBlock(v bool) {
	r.mu.Lock()
	r.userNonBlock = v
	r.mu.Unlock()
}

// Timeout returns the recv or send timeout, in milliseconds, or NoTimeout if
// unset.
func (r *Record) Timeout(kind TimeoutKind) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == RecvTimeout {
		return r.recvTimeoutMS
	}
	return r.sendTimeoutMS
}

// SetTimeout sets the recv or send timeout, in milliseconds.
func (r *Record) SetTimeout(kind TimeoutKind, ms uint64) {
	r.mu.Lock()
	if kind == RecvTimeout {
		r.recvTimeoutMS = ms
	} else {
		r.sendTimeoutMS = ms
	}
	r.mu.Unlock()
}

func newRecord(fd int) *Record {
	r := &Record{
		fd:            fd,
		recvTimeoutMS: NoTimeout,
		sendTimeoutMS: NoTimeout,
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err == nil {
		r.isSocket = stat.Mode&unix.S_IFMT == unix.S_IFSOCK
	}

	if r.isSocket {
		if err := unix.SetNonblock(fd, true); err == nil {
			r.systemNonBlock = true
		}
	}

	return r
}

// Table is the process-wide fd registry. The zero value is not usable; call
// New.
type Table struct {
	mu   sync.RWMutex
	recs []*Record // direct-indexed by fd, grown on demand, per fd_manager.cc
}

// New builds an empty Table, pre-sized the way
// FileDescriptorManagerImpl's constructor reserves 64 slots up front.
func New() *Table {
	return &Table{recs: make([]*Record, 64)}
}

// Get returns the Record for fd, creating one (via fstat) if autoCreate is
// true and none exists yet. Returns nil if autoCreate is false and fd is
// unregistered.
func (t *Table) Get(fd int, autoCreate bool) *Record {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	if fd < len(t.recs) {
		r := t.recs[fd]
		if r != nil || !autoCreate {
			t.mu.RUnlock()
			return r
		}
	} else if !autoCreate {
		t.mu.RUnlock()
		return nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < len(t.recs) {
		if t.recs[fd] != nil {
			return t.recs[fd]
		}
	} else {
		t.grow(fd)
	}

	r := newRecord(fd)
	t.recs[fd] = r
	return r
}

// grow doubles the backing slice until it covers fd, matching
// std::vector's amortised-doubling growth. Caller must hold t.mu for
// writing.
func (t *Table) grow(fd int) {
	size := len(t.recs)
	if size == 0 {
		size = 64
	}
	for size <= fd {
		size *= 2
	}
	grown := make([]*Record, size)
	copy(grown, t.recs)
	t.recs = grown
}

// Remove deletes fd's record, if any.
func (t *Table) Remove(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < len(t.recs) {
		t.recs[fd] = nil
	}
}

// MarkClosed flags the record for fd as closed, if registered. Queried by
// the syscall hook layer, whose hooked I/O and connect calls return EBADF
// for a record marked closed instead of touching the fd.
func (t *Table) MarkClosed(fd int) {
	r := t.Get(fd, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Closed reports whether fd was marked closed via MarkClosed.
func (r *Record) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
