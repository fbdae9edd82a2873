// Package ioloop implements the IO multiplexer adapter of spec §4.1: a
// uniform operation set (add/modify/remove fd interest, wait for events,
// map OS handles to opaque integer keys) wrapping epoll on Linux. Other
// platforms get a portable fallback built on the Go runtime's netpoller via
// goroutine-per-fd readiness signalling, so the same Loop API compiles
// everywhere while the epoll path is used wherever it's available — the
// same "hide behind a uniform interface" posture spec §9 asks for between
// epoll and IOCP.
package ioloop

import (
	"sync"

	"github.com/pkg/errors"
)

// EventKind tags what happened to a Key (spec §4.1: Readable / Writable /
// Error-or-hangup).
type EventKind int

const (
	Readable EventKind = 1 << iota
	Writable
	ErrorHangup
)

// Event is one multiplexer wakeup result.
type Event struct {
	Key  Key
	Kind EventKind
}

// Key is the opaque, monotonically-allocated, never-colliding identifier
// spec §4.1 calls for. Keys are positive and the allocator skips any key
// still present in the live set.
type Key uint64

// HandleKind tags what a Key maps to, so runtime logic (the event server)
// can distinguish listeners from ordinary connections while iterating.
type HandleKind int

const (
	KindTCPListen HandleKind = iota
	KindUDP
	KindTCPIn
	KindTCPOut
)

// registry is the Key -> fd table shared by every multiplexer
// implementation (epoll and the portable fallback alike).
type registry struct {
	mu      sync.Mutex
	next    Key
	entries map[Key]int // key -> raw fd
	kinds   map[Key]HandleKind
}

func newRegistry() *registry {
	return &registry{entries: map[Key]int{}, kinds: map[Key]HandleKind{}}
}

func (r *registry) alloc(fd int, kind HandleKind) Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		r.next++
		k := r.next
		if k == 0 {
			continue
		}
		if _, exists := r.entries[k]; exists {
			continue
		}
		r.entries[k] = fd
		r.kinds[k] = kind
		return k
	}
}

func (r *registry) fd(k Key) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fd, ok := r.entries[k]
	return fd, ok
}

func (r *registry) kind(k Key) (HandleKind, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kind, ok := r.kinds[k]
	return kind, ok
}

func (r *registry) remove(k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, k)
	delete(r.kinds, k)
}

// ErrClosed is returned by operations on a Loop that has already been
// closed.
var ErrClosed = errors.New("ioloop: multiplexer closed")
