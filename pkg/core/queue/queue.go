// Package queue provides the bounded drop-oldest queue used for every
// producer to consumer handoff in the live agent.
package queue

import "sync"

// BoundedLatest is a fixed-capacity FIFO that never blocks producers.
//
// When the queue is full, Push evicts the single oldest item before
// appending the new one, so the newest items are always retained. It is safe
// for concurrent use, including from hardware capture callbacks.
type BoundedLatest[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int
	size     int
	dropped  uint64
	capacity int
}

// New returns an empty queue holding at most capacity items.
// A capacity below 1 is treated as 1.
func New[T any](capacity int) *BoundedLatest[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &BoundedLatest[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends item, evicting the oldest retained item if the queue is full.
// It reports whether an item was evicted.
func (q *BoundedLatest[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if q.size == q.capacity {
		var zero T
		q.items[q.head] = zero
		q.head = (q.head + 1) % q.capacity
		q.size--
		q.dropped++
		evicted = true
	}
	q.items[(q.head+q.size)%q.capacity] = item
	q.size++
	return evicted
}

// PopOne removes and returns the oldest retained item.
func (q *BoundedLatest[T]) PopOne() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// PopAll removes every retained item and returns them oldest first.
// It returns nil when the queue is empty.
func (q *BoundedLatest[T]) PopAll() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.size == 0 {
		return nil
	}
	out := make([]T, 0, q.size)
	for q.size > 0 {
		item, _ := q.popLocked()
		out = append(out, item)
	}
	return out
}

// Latest empties the queue and returns only the newest item. Intermediate
// items are discarded.
func (q *BoundedLatest[T]) Latest() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var latest T
	if q.size == 0 {
		return latest, false
	}
	for q.size > 0 {
		latest, _ = q.popLocked()
	}
	return latest, true
}

// Snapshot copies the retained items oldest first without removing them.
func (q *BoundedLatest[T]) Snapshot() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.size)
	for i := 0; i < q.size; i++ {
		out = append(out, q.items[(q.head+i)%q.capacity])
	}
	return out
}

// Len returns the number of retained items.
func (q *BoundedLatest[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the fixed capacity.
func (q *BoundedLatest[T]) Cap() int {
	return q.capacity
}

// Dropped returns how many items have been evicted by Push since creation.
func (q *BoundedLatest[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *BoundedLatest[T]) popLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.size--
	return item, true
}
