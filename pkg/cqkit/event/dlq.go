package event

import (
	"sync"
	"time"
)

// DeadLetterQueue holds events whose retry budget is exhausted, for
// inspection, clearing, or manual requeue. Appends are safe for concurrent
// use; Clear is an explicit, exclusive operation.
type DeadLetterQueue struct {
	mu     sync.Mutex
	events []*Envelope

	// Metrics
	enqueued int64
	requeued int64
	cleared  int64
}

// NewDeadLetterQueue creates an empty dead-letter queue.
func NewDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{}
}

// Append adds a dead-lettered event. The record is frozen: its status must
// already be dead_letter and it is not mutated afterwards.
func (q *DeadLetterQueue) Append(evt *Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, evt)
	q.enqueued++
}

// Snapshot returns a copy of the queue contents in arrival order.
func (q *DeadLetterQueue) Snapshot() []*Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Envelope, len(q.events))
	copy(out, q.events)
	return out
}

// Take removes and returns the event with the given ID, for manual requeue.
func (q *DeadLetterQueue) Take(eventID string) (*Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, evt := range q.events {
		if evt.ID == eventID {
			q.events = append(q.events[:i], q.events[i+1:]...)
			q.requeued++
			return evt, true
		}
	}
	return nil, false
}

// Clear empties the queue.
func (q *DeadLetterQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cleared += int64(len(q.events))
	q.events = nil
}

// Size returns the number of queued events.
func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Stats reports queue counters.
func (q *DeadLetterQueue) Stats() DLQStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return DLQStats{
		Size:     len(q.events),
		Enqueued: q.enqueued,
		Requeued: q.requeued,
		Cleared:  q.cleared,
	}
}

// DLQStats provides statistics about the dead-letter queue.
type DLQStats struct {
	Size     int   // current queue size
	Enqueued int64 // total events enqueued
	Requeued int64 // total events taken for requeue
	Cleared  int64 // total events removed by Clear
}

// OldestAge returns how long the oldest queued event has been dead-lettered,
// or zero when the queue is empty.
func (q *DeadLetterQueue) OldestAge(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return 0
	}
	return now.Sub(q.events[0].Timestamp)
}
