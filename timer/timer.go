// Package timer implements the per-plugin timer queue. Plugins schedule
// deadline callbacks against their own operations; the host polls the queue
// from its event loop and dispatches whatever has come due. The queue never
// spawns goroutines: firing is entirely driven by the caller's clock.
package timer

import (
	"sort"
	"time"

	"github.com/quicplug/quicplug/catalogue"
)

// Handle identifies one scheduled timer within a queue. Handles are never
// reused for the lifetime of the queue.
type Handle uint64

// Entry is one scheduled timer.
type Entry struct {
	Handle   Handle
	Op       catalogue.OperationID
	Deadline time.Time
	// Payload is the encoded argument list delivered to the operation when
	// the timer fires.
	Payload []byte

	// seq breaks deadline ties in scheduling order.
	seq uint64
}

// Queue holds pending timers ordered by deadline, then by scheduling order
// for equal deadlines. It is not safe for concurrent use; the owning instance
// serialises access.
type Queue struct {
	entries []Entry
	nextSeq uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Schedule adds a timer for op at deadline and returns its handle. The
// payload is copied.
func (q *Queue) Schedule(op catalogue.OperationID, deadline time.Time, payload []byte) Handle {
	q.nextSeq++
	e := Entry{
		Handle:   Handle(q.nextSeq),
		Op:       op,
		Deadline: deadline,
		seq:      q.nextSeq,
	}
	if len(payload) > 0 {
		e.Payload = make([]byte, len(payload))
		copy(e.Payload, payload)
	}

	idx := sort.Search(len(q.entries), func(i int) bool {
		return less(e, q.entries[i])
	})
	q.entries = append(q.entries, Entry{})
	copy(q.entries[idx+1:], q.entries[idx:])
	q.entries[idx] = e
	return e.Handle
}

// Cancel removes the timer with the given handle. It returns false if the
// handle is unknown, which includes timers that already fired.
func (q *Queue) Cancel(h Handle) bool {
	for i, e := range q.entries {
		if e.Handle == h {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Poll removes and returns every entry with a deadline at or before now, in
// firing order.
func (q *Queue) Poll(now time.Time) []Entry {
	n := 0
	for n < len(q.entries) && !q.entries[n].Deadline.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	due := make([]Entry, n)
	copy(due, q.entries[:n])
	q.entries = append(q.entries[:0], q.entries[n:]...)
	return due
}

// Next returns the earliest pending deadline, or false if the queue is empty.
// Hosts use it to arm their event loop timer.
func (q *Queue) Next() (time.Time, bool) {
	if len(q.entries) == 0 {
		return time.Time{}, false
	}
	return q.entries[0].Deadline, true
}

// Len returns the number of pending timers.
func (q *Queue) Len() int { return len(q.entries) }

// Clear drops every pending timer.
func (q *Queue) Clear() {
	q.entries = q.entries[:0]
}

func less(a, b Entry) bool {
	if !a.Deadline.Equal(b.Deadline) {
		return a.Deadline.Before(b.Deadline)
	}
	return a.seq < b.seq
}
