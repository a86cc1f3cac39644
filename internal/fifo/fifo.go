// Package fifo provides the unbounded queue behind every message buffer in
// the harness. Nothing here applies backpressure: producers never block and
// memory grows with whatever the consumer has not taken yet.
package fifo

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is what Pop reports after Close(nil) once the queue has drained.
var ErrClosed = errors.New("fifo: queue closed")

// Queue is an unbounded, goroutine-safe FIFO. The zero value is not usable;
// call New.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	err    error
	notify chan struct{}
}

// New returns an empty open queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{notify: make(chan struct{}, 1)}
}

func (q *Queue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Push appends v. It fails with the close error once the queue is closed.
func (q *Queue[T]) Push(v T) error {
	q.mu.Lock()
	if q.closed {
		err := q.err
		q.mu.Unlock()
		return err
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return nil
}

// Close stops further pushes. Items already queued are still handed out by
// Pop before it reports err (ErrClosed when err is nil).
func (q *Queue[T]) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	q.mu.Unlock()
	q.wake()
}

// Discard closes the queue and drops anything still queued.
func (q *Queue[T]) Discard(err error) {
	q.Close(err)
	q.mu.Lock()
	clear(q.items)
	q.items = nil
	q.mu.Unlock()
}

// Pop removes and returns the oldest item, blocking until one is available,
// the queue is closed and empty, or ctx is done.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			// Pass the wakeup on to any other waiting consumer.
			q.wake()
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close or Discard has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
