// Package queue provides a bounded, thread-safe ring buffer used to hand
// asynchronous work to background workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is used when a non-positive capacity is requested.
const DefaultSize = 1024

// RingBuffer is a fixed-capacity FIFO. Push never blocks; a full buffer
// rejects the item.
type RingBuffer[T any] struct {
	buffer []T
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		size = DefaultSize
	}

	rb := &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push appends item. It returns ErrQueueFull at capacity and ErrQueueClosed
// after Close.
func (rb *RingBuffer[T]) Push(item T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.totalPushed.Add(1)

	rb.cond.Signal()
	return nil
}

// take removes the head item. Callers hold mu and have checked count > 0.
func (rb *RingBuffer[T]) take() T {
	var zero T
	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	return item
}

// Pop removes and returns the oldest item without waiting.
func (rb *RingBuffer[T]) Pop() (T, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		var zero T
		return zero, ErrQueueEmpty
	}
	return rb.take(), nil
}

// PopBlocking waits for an item. After Close it drains the remaining items
// and then returns ErrQueueClosed.
func (rb *RingBuffer[T]) PopBlocking() (T, error) {
	return rb.PopContext(context.Background())
}

// PopContext is PopBlocking bounded by ctx.
func (rb *RingBuffer[T]) PopContext(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.cond.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		rb.cond.Wait()
	}

	if rb.count == 0 {
		var zero T
		return zero, ErrQueueClosed
	}
	return rb.take(), nil
}

// Len returns the current number of items in the queue.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

// Close stops accepting items and wakes every waiting consumer.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer[T]) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
