// Package circbuf is a fixed-capacity ring of recent engine events, used
// for post-mortem debugging of register/unregister/notify traffic — the
// "diagnostic logger" collaborator spec.md §6 names but leaves external.
// Adapted from the kernel's circbuf package: the same head/tail modular
// index scheme (Full/Empty/Advhead/Advtail), but over a fixed []Event_t
// instead of a lazily page-allocated []uint8, since there is no physical
// page allocator in this engine's domain and events are fixed-size Go
// values rather than raw bytes. Unlike the kernel's Circbuf_t, this ring
// is safe for concurrent use: it is pushed to from registry and vtophys
// notify callbacks, which may run for different derived maps in the same
// registry-mutex critical section.
package circbuf

import (
	"fmt"
	"sync"

	"hyperwarp/src/defs"
)

/// Event_t records one register/unregister/notify occurrence.
type Event_t struct {
	Action string
	VAddr  uint64
	Length uint64
	Err    defs.Err_t
}

/// String renders an event for diagnostic dumps.
func (e Event_t) String() string {
	return fmt.Sprintf("%s vaddr=%#x len=%#x err=%s", e.Action, e.VAddr, e.Length, e.Err)
}

/// Ring_t is a fixed-capacity circular buffer of Event_t. Once full, the
/// oldest event is overwritten, matching the kernel circbuf's wraparound
/// behaviour with Advhead/Advtail.
type Ring_t struct {
	mu    sync.Mutex
	buf   []Event_t
	head  int // next write index, modulo len(buf)
	tail  int // oldest valid index, modulo len(buf)
	count int // number of valid events, capped at len(buf)
}

/// New returns a Ring_t capable of holding capacity events.
func New(capacity int) *Ring_t {
	if capacity <= 0 {
		panic("bad circbuf size")
	}
	return &Ring_t{buf: make([]Event_t, capacity)}
}

/// Push records an event, evicting the oldest one if the ring is full.
func (r *Ring_t) Push(ev Event_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
	if r.count == len(r.buf) {
		r.tail = (r.tail + 1) % len(r.buf)
	} else {
		r.count++
	}
}

/// Snapshot returns the ring's current contents, oldest event first.
func (r *Ring_t) Snapshot() []Event_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event_t, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.tail+i)%len(r.buf)]
	}
	return out
}

/// Len returns the number of events currently held.
func (r *Ring_t) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
