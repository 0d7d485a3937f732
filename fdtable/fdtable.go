// Package fdtable is the registry of per-fd bookkeeping: whether a
// descriptor is a socket, whether the kernel has been told to make it
// non-blocking, and whether the *user* separately asked for non-blocking
// behavior. The hook layer needs this split to fake transparent blocking
// semantics on top of a kernel-non-blocking fd.
package fdtable

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// NoTimeout is the RecvTimeout/SendTimeout sentinel meaning "block
// indefinitely, no deadline enforced". It is distinct from a zero
// time.Duration, which is itself a legal, immediately-expiring timeout:
// a read or write hooked on a fd with a zero timeout fails right away
// with ETIMEDOUT if the socket isn't already ready.
const NoTimeout time.Duration = -1

// Record holds one descriptor's state. The owning Table's mutex guards
// only the fd-to-Record map; Record's own accessors and setters take no
// lock.
type Record struct {
	fd int

	initialized  bool
	isSocket     bool
	sysNonBlock  bool
	userNonBlock bool
	closed       bool

	recvTimeout time.Duration
	sendTimeout time.Duration
}

// FD returns the underlying file descriptor.
func (r *Record) FD() int { return r.fd }

// IsSocket reports whether fstat identified this descriptor as a socket.
func (r *Record) IsSocket() bool { return r.isSocket }

// UserNonBlock reports whether the user asked for this fd to behave
// non-blocking. The kernel-level flag is always forced on for sockets
// (see newRecord); this tracks what the caller actually requested.
func (r *Record) UserNonBlock() bool { return r.userNonBlock }

// SetUserNonBlock records the user's non-blocking preference without
// touching the kernel flag.
func (r *Record) SetUserNonBlock(v bool) { r.userNonBlock = v }

// RecvTimeout/SendTimeout are the per-fd I/O deadlines the hook layer
// enforces. NoTimeout means no deadline is enforced; any value >= 0,
// including zero, is a real deadline.
func (r *Record) RecvTimeout() time.Duration { return r.recvTimeout }
func (r *Record) SendTimeout() time.Duration { return r.sendTimeout }

func (r *Record) SetRecvTimeout(d time.Duration) { r.recvTimeout = d }
func (r *Record) SetSendTimeout(d time.Duration) { r.sendTimeout = d }

// Table is the process-wide fd registry. It uses a map rather than a
// growable slice indexed by fd, since fds aren't assumed dense from zero
// in a library embedded in an arbitrary process.
type Table struct {
	mu      sync.RWMutex
	records map[int]*Record
}

// New creates an empty fd table.
func New() *Table {
	return &Table{records: make(map[int]*Record)}
}

// Get returns the record for fd, creating and fstat-ing it first if
// createWhenNotFound is true and no record exists yet.
func (t *Table) Get(fd int, createWhenNotFound bool) *Record {
	if fd < 0 {
		return nil
	}

	t.mu.RLock()
	r, ok := t.records[fd]
	t.mu.RUnlock()
	if ok {
		return r
	}
	if !createWhenNotFound {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[fd]; ok {
		return r
	}
	r = newRecord(fd)
	t.records[fd] = r
	return r
}

// Remove drops fd's record.
func (t *Table) Remove(fd int) {
	if fd < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, fd)
}

// newRecord builds a Record by fstat-ing fd and, for sockets, forcing the
// kernel-level O_NONBLOCK flag on: the hook layer needs every socket to
// be kernel-non-blocking so it can always retry on EAGAIN, independent of
// what the user asked for.
func newRecord(fd int) *Record {
	r := &Record{fd: fd, recvTimeout: NoTimeout, sendTimeout: NoTimeout}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		r.initialized = false
		r.isSocket = false
		return r
	}
	r.initialized = true
	r.isSocket = stat.Mode&unix.S_IFMT == unix.S_IFSOCK

	if r.isSocket {
		if err := unix.SetNonblock(fd, true); err == nil {
			r.sysNonBlock = true
		}
	}
	return r
}
