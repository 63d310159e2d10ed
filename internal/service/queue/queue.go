// Package queue provides the ordered, unbounded hand-off used between the
// goroutines of a streaming session.
package queue

import (
	"context"
	"io"
	"sync"
)

// Queue is a FIFO with a single consumer. Producers never block; the
// consumer blocks in Next until an item arrives, the queue closes or the
// context ends. Items pushed before Close are still delivered.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	err    error
	signal chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{signal: make(chan struct{}, 1)}
}

// Push appends v. It returns false if the queue is already closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.notify()
	return true
}

// Close marks the end of the sequence. Next returns io.EOF once drained.
func (q *Queue[T]) Close() {
	q.CloseWithError(nil)
}

// CloseWithError marks the end of the sequence with err as the terminal
// result. Only the first close takes effect.
func (q *Queue[T]) CloseWithError(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.notify()
}

// Next returns the oldest item, blocking until one is available.
func (q *Queue[T]) Next(ctx context.Context) (T, error) {
	for {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}

		q.mu.Lock()
		if q.closed && len(q.items) == 0 {
			err := q.err
			q.mu.Unlock()
			var zero T
			if err == nil {
				err = io.EOF
			}
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPop returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return v, true
}

// Signal fires after every Push and Close. It is meant for a consumer that
// multiplexes the queue with other channels in a select.
func (q *Queue[T]) Signal() <-chan struct{} {
	return q.signal
}

func (q *Queue[T]) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
