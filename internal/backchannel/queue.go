// ABOUTME: Per-request event queue between the backchannel reader and the HTTP handler.
// ABOUTME: FIFO buffer plus FIFO of waiting consumers, with timeout and close semantics.

package backchannel

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultDequeueTimeout applies when Dequeue is called with a non-positive timeout.
const DefaultDequeueTimeout = 600 * time.Second

var (
	// ErrQueueTimeout indicates no event arrived within the wait deadline.
	ErrQueueTimeout = errors.New("queue timeout")

	// ErrQueueClosed indicates the queue was closed (request finished or backchannel lost).
	ErrQueueClosed = errors.New("queue closed")
)

// Queue buffers events for one in-flight request. Enqueue never blocks;
// events are handed to consumers in arrival order.
type Queue struct {
	mu      sync.Mutex
	items   []Event
	waiters []chan Event
	closed  bool
	done    chan struct{}
}

// NewQueue creates an open, empty Queue.
func NewQueue() *Queue {
	return &Queue{done: make(chan struct{})}
}

// Enqueue hands ev to the oldest waiting consumer, or buffers it.
// Returns false if the queue is already closed and the event was dropped.
func (q *Queue) Enqueue(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- ev // buffered, never blocks
		return true
	}
	q.items = append(q.items, ev)
	return true
}

// Dequeue returns the next event, waiting up to timeout for one to arrive.
// It fails with ErrQueueTimeout, ErrQueueClosed, or the context's error.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (Event, error) {
	if timeout <= 0 {
		timeout = DefaultDequeueTimeout
	}

	q.mu.Lock()
	if len(q.items) > 0 {
		ev := q.items[0]
		q.items[0] = Event{}
		q.items = q.items[1:]
		q.mu.Unlock()
		return ev, nil
	}
	if q.closed {
		q.mu.Unlock()
		return Event{}, ErrQueueClosed
	}
	w := make(chan Event, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w:
		return ev, nil
	case <-q.done:
		select {
		case ev := <-w:
			return ev, nil
		default:
			return Event{}, ErrQueueClosed
		}
	case <-timer.C:
		return q.abandon(w, ErrQueueTimeout)
	case <-ctx.Done():
		return q.abandon(w, ctx.Err())
	}
}

// abandon withdraws waiter w. If an event was handed off concurrently it is
// returned instead of the error so nothing is lost.
func (q *Queue) abandon(w chan Event, cause error) (Event, error) {
	q.mu.Lock()
	for i, other := range q.waiters {
		if other == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			q.mu.Unlock()
			return Event{}, cause
		}
	}
	q.mu.Unlock()

	select {
	case ev := <-w:
		return ev, nil
	default:
		// Withdrawn by Close.
		return Event{}, ErrQueueClosed
	}
}

// Close rejects all current and future consumers with ErrQueueClosed.
// Buffered events are discarded. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.waiters = nil
	close(q.done)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
