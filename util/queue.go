package util

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded FIFO with a single consumer. Producers that cannot wait
// use TryPush and decide what to do with a full queue. Closing the queue
// discards whatever is still buffered.
type Queue[T any] struct {
	items chan T
	done  chan struct{}
	once  sync.Once
}

func NewQueue[T any](size int) *Queue[T] {
	if size <= 0 {
		size = 1
	}
	return &Queue[T]{
		items: make(chan T, size),
		done:  make(chan struct{}),
	}
}

// TryPush enqueues item without blocking. It returns false if the queue is
// full or closed.
func (q *Queue[T]) TryPush(item T) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Push waits for room in the queue.
func (q *Queue[T]) Push(ctx context.Context, item T) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.items <- item:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop waits for the next item. ok is false once the queue is closed or ctx is
// done.
func (q *Queue[T]) Pop(ctx context.Context) (item T, ok bool) {
	select {
	case <-q.done:
		return item, false
	default:
	}
	select {
	case item = <-q.items:
		return item, true
	case <-q.done:
		return item, false
	case <-ctx.Done():
		return item, false
	}
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

func (q *Queue[T]) Cap() int {
	return cap(q.items)
}

func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.done) })
}

// Done is closed when the queue is closed.
func (q *Queue[T]) Done() <-chan struct{} {
	return q.done
}
