// Package queue implements the multi-producer, single-consumer ingestion
// queue that sits between instrumented threads and the trace consumer.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Take once the queue is closed and fully drained.
var ErrClosed = errors.New("queue: closed")

// compactThreshold is the minimum number of consumed slots before the backing
// slice is compacted.
const compactThreshold = 1024

// Queue is an unbounded FIFO. Push never blocks beyond the internal lock and
// never rejects an item.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	closed bool

	// ready holds at most one pending wake-up for the consumer.
	ready chan struct{}

	highWater int
	above     bool
	onHigh    func(size int)
}

// Option configures a Queue.
type Option func(*queueOptions)

type queueOptions struct {
	highWater int
	onHigh    func(size int)
}

// WithHighWater calls fn each time the queue length crosses n upwards.
// The queue keeps accepting items; fn is a diagnostic hook only.
func WithHighWater(n int, fn func(size int)) Option {
	return func(o *queueOptions) {
		o.highWater = n
		o.onHigh = fn
	}
}

// New creates an empty queue.
func New[T any](opts ...Option) *Queue[T] {
	var o queueOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Queue[T]{
		ready:     make(chan struct{}, 1),
		highWater: o.highWater,
		onHigh:    o.onHigh,
	}
}

// Push appends item and wakes the consumer. Safe for concurrent use.
// It returns false, leaving the queue unchanged, once Close has been called;
// every item Push accepted is still returned by TryTake or Take.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	size := len(q.items) - q.head
	crossed := false
	if q.highWater > 0 {
		if size > q.highWater && !q.above {
			q.above = true
			crossed = true
		} else if size <= q.highWater {
			q.above = false
		}
	}
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}

	if crossed && q.onHigh != nil {
		q.onHigh(size)
	}
	return true
}

// TryTake removes and returns the oldest item without blocking.
func (q *Queue[T]) TryTake() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.head == len(q.items) {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= compactThreshold && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}

// Take blocks until an item is available, the queue is closed and empty, or
// ctx is done.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	for {
		if item, ok := q.TryTake(); ok {
			return item, nil
		}
		if q.isClosed() {
			// An item may have raced in between TryTake and the check.
			if item, ok := q.TryTake(); ok {
				return item, nil
			}
			var zero T
			return zero, ErrClosed
		}
		select {
		case <-q.ready:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Ready returns a channel that receives a value after a Push. A consumer
// selecting on it must still drain with TryTake, since wake-ups coalesce.
func (q *Queue[T]) Ready() <-chan struct{} {
	return q.ready
}

// Close marks the queue closed and wakes a blocked Take. Later pushes are
// rejected.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued items. Best effort for diagnostics.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Empty reports whether the queue currently holds no items.
func (q *Queue[T]) Empty() bool {
	return q.Len() == 0
}
