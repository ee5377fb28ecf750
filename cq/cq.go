// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package cq implements a completion queue, an event source that reports the
// completion of asynchronous operations as (tag, ok) pairs.
//
// Each operation is announced with [Queue.Begin] before it is started, and
// completes with exactly one call to [Queue.Post]. A consumer drains events
// with [Queue.Next]. After [Queue.Shutdown], Next continues to deliver
// queued and outstanding events, and reports [Shutdown] only once the queue
// is empty and no operations remain outstanding.
package cq

import (
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/mds/queue"
)

// Status is the result of a call to [Queue.Next].
type Status int

const (
	GotEvent Status = iota // an event was delivered
	Timeout                // no event arrived before the deadline
	Shutdown               // the queue is shut down and fully drained
)

func (s Status) String() string {
	switch s {
	case GotEvent:
		return "GOT_EVENT"
	case Timeout:
		return "TIMEOUT"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// An Event reports the completion of an operation. Tag is the value supplied
// by the operation's owner, and OK reports whether the operation succeeded.
type Event struct {
	Tag any
	OK  bool
}

// A Queue is a completion queue. A zero Queue is not ready for use; call
// [New] to construct one.
type Queue struct {
	ready chan struct{} // buffered 1; signals a change of state

	μ       sync.Mutex
	events  *queue.Queue[Event]
	pending int  // operations begun but not yet posted
	closed  bool // Shutdown has been called
}

// New constructs a new empty completion queue.
func New() *Queue {
	return &Queue{
		ready:  make(chan struct{}, 1),
		events: queue.New[Event](),
	}
}

// Begin records that a new operation has started, whose completion will be
// reported by a matching call to Post. Begin may be called after Shutdown
// for operations that will complete promptly; the queue will not report
// Shutdown until they have been posted.
func (q *Queue) Begin() {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.pending++
}

// Post reports the completion of an operation started by Begin. It panics if
// there is no outstanding operation.
func (q *Queue) Post(tag any, ok bool) {
	q.μ.Lock()
	defer q.μ.Unlock()
	if q.pending <= 0 {
		panic(fmt.Sprintf("cq: post of %v without a matching begin", tag))
	}
	q.pending--
	q.events.Add(Event{Tag: tag, OK: ok})
	q.signal()
}

// Shutdown marks the queue as shut down. It is safe to call Shutdown more
// than once.
func (q *Queue) Shutdown() {
	q.μ.Lock()
	defer q.μ.Unlock()
	q.closed = true
	q.signal()
}

// Next blocks until an event is available, the timeout elapses, or the queue
// is shut down and drained. A timeout ≤ 0 polls without blocking.
func (q *Queue) Next(timeout time.Duration) (Event, Status) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		q.μ.Lock()
		if e, ok := q.events.Pop(); ok {
			if !q.events.IsEmpty() {
				q.signal() // wake another consumer, if any
			}
			q.μ.Unlock()
			return e, GotEvent
		}
		done := q.closed && q.pending == 0
		q.μ.Unlock()
		if done {
			q.signal()
			return Event{}, Shutdown
		} else if expired == nil {
			return Event{}, Timeout
		}

		select {
		case <-q.ready:
		case <-expired:
			// Check once more in case an event arrived concurrently.
			expired = nil
		}
	}
}

// Len reports the number of events awaiting delivery.
func (q *Queue) Len() int {
	q.μ.Lock()
	defer q.μ.Unlock()
	return q.events.Len()
}

// Outstanding reports the number of operations begun but not yet posted.
func (q *Queue) Outstanding() int {
	q.μ.Lock()
	defer q.μ.Unlock()
	return q.pending
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
