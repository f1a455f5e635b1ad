// Package eventqueue implements the time-ordered event queues that drive the
// probing engine: ping_q (next send per host/ping-index) and timeout_q
// (deadline per outstanding probe).
//
// Both are doubly-linked lists sorted ascending by Time, built on top of
// container/list the same way the teacher's send/receive loop used a
// list.List to track pending timeouts. Events are arena-allocated by
// callers (see package hosttable) and only ever referenced by *Event
// pointer, so Remove is O(1) given the pointer returned by Enqueue.
package eventqueue

import (
	"container/list"
	"time"
)

// Event is one scheduled occurrence: either a pending send (in a Queue used
// as ping_q) or a pending timeout (in a Queue used as timeout_q).
//
// Events are meant to be arena-allocated by a host's preallocated slots
// (hosttable.Host) and reused by ping-index modulo the arena size, never
// allocated fresh per probe.
type Event struct {
	Time      time.Time
	HostIndex int
	PingIndex int
}

// Queue is a time-sorted doubly-linked list of *Event.
type Queue struct {
	l *list.List
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{l: list.New()}
}

// Enqueue inserts e in ascending time order and returns the list element
// backing it, which callers must retain to Remove it later.
//
// The scan starts from the tail: new events are almost always scheduled for
// a time at or after everything already queued, so the common case is an
// O(1) append rather than an O(n) scan from the front. Among events with
// equal Time, e is inserted after any existing ones (FIFO), which is what
// keeps sends to distinct hosts round-robin: each host's next event is
// re-queued behind its same-time peers rather than jumping the line.
func (q *Queue) Enqueue(e *Event) *list.Element {
	for back := q.l.Back(); back != nil; back = back.Prev() {
		if !back.Value.(*Event).Time.After(e.Time) {
			return q.l.InsertAfter(e, back)
		}
	}
	return q.l.PushFront(e)
}

// Remove unlinks el, which must be an element previously returned by
// Enqueue on this queue.
func (q *Queue) Remove(el *list.Element) {
	q.l.Remove(el)
}

// Front returns the earliest-scheduled event, or nil if the queue is empty.
func (q *Queue) Front() *Event {
	el := q.l.Front()
	if el == nil {
		return nil
	}
	return el.Value.(*Event)
}

// PeekHeadTime reports the time of the earliest-scheduled event. The second
// return value is false if the queue is empty.
func (q *Queue) PeekHeadTime() (time.Time, bool) {
	el := q.l.Front()
	if el == nil {
		return time.Time{}, false
	}
	return el.Value.(*Event).Time, true
}

// DequeueHead removes and returns the earliest-scheduled event, or nil if
// the queue is empty.
func (q *Queue) DequeueHead() *Event {
	el := q.l.Front()
	if el == nil {
		return nil
	}
	q.l.Remove(el)
	return el.Value.(*Event)
}

// Len returns the number of events currently queued.
func (q *Queue) Len() int {
	return q.l.Len()
}
