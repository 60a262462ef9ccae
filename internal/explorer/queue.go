package explorer

import (
	"sync"
)

// BoundedQueue implements a thread-safe FIFO with a capacity bound and a quit signal
type BoundedQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []T
	capacity int
	quit     bool
}

// NewBoundedQueue creates a queue holding at most capacity items (minimum 1)
func NewBoundedQueue[T any](capacity int) *BoundedQueue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &BoundedQueue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an item, blocking while the queue is full
// Returns false if quit was requested; the item is dropped in that case
func (q *BoundedQueue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.capacity && !q.quit {
		q.notFull.Wait()
	}

	if q.quit {
		return false
	}

	q.items = append(q.items, item)
	q.notEmpty.Signal()
	return true
}

// Dequeue removes and returns the first item
// Blocks while empty; returns (zero, false) only once quit was requested and the queue is drained
func (q *BoundedQueue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.quit {
		q.notEmpty.Wait()
	}

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	q.notFull.Signal()
	return item, true
}

// RequestQuit stops accepting new items and wakes every blocked producer and consumer
// Already queued items are still handed out by Dequeue. Safe to call multiple times.
func (q *BoundedQueue[T]) RequestQuit() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.quit = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Len returns the current number of queued items
func (q *BoundedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the maximum number of queued items
func (q *BoundedQueue[T]) Capacity() int {
	return q.capacity
}
