// Package queue provides the in-process handoff between the fetch loop and
// the detector.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Bounded is a fixed-capacity multi-producer/single-consumer buffer.
// Push never blocks: when the buffer is full the incoming item is dropped
// and counted. Items from one producer keep their relative order.
type Bounded[T any] struct {
	items chan T
	drops atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewBounded creates a queue holding at most capacity items.
func NewBounded[T any](capacity int) *Bounded[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Bounded[T]{
		items:  make(chan T, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues item, returning false when it was dropped because the
// queue is full or closed.
func (q *Bounded[T]) Push(item T) bool {
	select {
	case <-q.closed:
		q.drops.Add(1)
		return false
	default:
	}

	select {
	case q.items <- item:
		return true
	default:
		q.drops.Add(1)
		return false
	}
}

// Pop blocks until an item is available, the context ends, or the queue is
// closed and empty.
func (q *Bounded[T]) Pop(ctx context.Context) (T, error) {
	var zero T

	// Drain buffered items before honouring close.
	select {
	case item := <-q.items:
		return item, nil
	default:
	}

	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.closed:
		select {
		case item := <-q.items:
			return item, nil
		default:
			return zero, ErrClosed
		}
	}
}

// Close stops accepting items. Buffered items remain poppable.
func (q *Bounded[T]) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Len returns the number of buffered items.
func (q *Bounded[T]) Len() int { return len(q.items) }

// Cap returns the capacity.
func (q *Bounded[T]) Cap() int { return cap(q.items) }

// Drops returns how many pushes were rejected.
func (q *Bounded[T]) Drops() uint64 { return q.drops.Load() }
