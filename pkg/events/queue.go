// Package events implements the bounded, priority-aware outbound event
// FIFO described in spec §4.5, generalized from the teacher's buffered
// SSE channel (shared/pkg/client/sse.go) which drops on a full channel
// with no ordering guarantees — here overflow always drops the oldest
// non-priority entry and priority events are inserted ahead of the rest.
package events

import (
	"sync"
	"time"

	"github.com/prusa3d/connect-printer-sdk/pkg/model"
	"github.com/prusa3d/connect-printer-sdk/pkg/printermetrics"
)

// DefaultCapacity matches spec §4.5's default bound.
const DefaultCapacity = 100

// Queue is a bounded FIFO of outbound events with priority insertion.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []model.Event
	closed   bool
	signal   chan struct{} // non-blocking wake-up for Pop waiters
}

// New creates a Queue with the given capacity (DefaultCapacity if zero).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity, signal: make(chan struct{}, 1)}
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Push enqueues an event. Priority events (REJECTED-on-priority-command,
// FAILED) are inserted ahead of all non-priority events already queued.
// On overflow, the oldest non-priority event is dropped and the
// events_dropped metric is incremented (spec §4.5); if every queued
// event is priority, the new event is dropped instead to preserve the
// priority invariant. Every REJECTED event pushed increments the
// commands_rejected metric under its reason.
func (q *Queue) Push(e model.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Kind == model.EventRejected {
		printermetrics.CommandsRejected.WithLabelValues(e.Reason).Inc()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	if len(q.items) >= q.capacity && !q.dropOldestNonPriorityLocked() {
		q.mu.Unlock()
		printermetrics.EventsDropped.Inc()
		return
	}

	if e.Priority {
		insertAt := 0
		for insertAt < len(q.items) && q.items[insertAt].Priority {
			insertAt++
		}
		q.items = append(q.items, model.Event{})
		copy(q.items[insertAt+1:], q.items[insertAt:])
		q.items[insertAt] = e
	} else {
		q.items = append(q.items, e)
	}
	q.mu.Unlock()
	q.wake()
}

// dropOldestNonPriorityLocked must be called with q.mu held.
func (q *Queue) dropOldestNonPriorityLocked() bool {
	for idx, item := range q.items {
		if !item.Priority {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			printermetrics.EventsDropped.Inc()
			return true
		}
	}
	return false
}

// Peek returns the head event without removing it, so the loop context
// can inspect its Priority bit before deciding whether telemetry takes
// precedence this iteration.
func (q *Queue) Peek() (model.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.Event{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the head event, blocking up to timeout for one
// to arrive (spec §5's "bounded <= 100ms" condition-variable wait).
// Returns ok=false on timeout or once the queue is closed and drained.
func (q *Queue) Pop(timeout time.Duration) (model.Event, bool) {
	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			head := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return head, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return model.Event{}, false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return model.Event{}, false
		}
		select {
		case <-q.signal:
		case <-time.After(remaining):
			return model.Event{}, false
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes any blocked Pop callers; subsequent Push calls are no-ops.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}
