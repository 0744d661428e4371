// Package queue provides the unbounded FIFO used by document owners and
// in-process bus subscribers.
package queue

import "sync"

// FIFO is a thread-safe unbounded queue.
//
// Producers never block, so a slow consumer cannot stall the goroutine
// that publishes to it. The consumer waits on a signal channel, which
// makes waiting composable with context cancellation:
//
//	for {
//	    if v, ok := q.TryDequeue(); ok {
//	        handle(v)
//	        continue
//	    }
//	    select {
//	    case <-ctx.Done():
//	        return ctx.Err()
//	    case _, open := <-q.Wait():
//	        if !open && q.Len() == 0 {
//	            return nil
//	        }
//	    }
//	}
type FIFO[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{} // buffered, size 1
}

// New creates an empty queue.
func New[T any]() *FIFO[T] {
	return &FIFO[T]{
		items:  make([]T, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds v to the back of the queue.
// Returns false if the queue is closed.
func (q *FIFO[T]) Enqueue(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, v)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front item without blocking.
func (q *FIFO[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]

	// Clear the slot so the backing array does not retain the item.
	q.items[0] = zero
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return v, true
}

// Drain removes and returns everything queued.
func (q *FIFO[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, len(q.items))
	copy(out, q.items)
	clear(q.items)
	q.items = q.items[:0]
	return out
}

// Wait returns a channel that signals when items may be available. The
// channel is closed by Close.
func (q *FIFO[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops further enqueues and wakes all waiters. Items already queued
// can still be dequeued.
func (q *FIFO[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close has been called.
func (q *FIFO[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
