// Package buffer provides a bounded ring used to keep recent events for replay.
package buffer

import (
	"sync"
)

// Ring is a thread-safe circular buffer that stores the most recent items
// up to a specified capacity. When the ring is full, the oldest item is
// discarded to make room for the new one.
type Ring[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a new Ring with the specified capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Push appends items, discarding the oldest ones when over capacity.
// It returns how many items were discarded.
func (r *Ring[T]) Push(items ...T) int {
	if len(items) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for _, item := range items {
		tail := (r.head + r.size) % r.capacity
		r.items[tail] = item
		if r.size < r.capacity {
			r.size++
		} else {
			r.head = (r.head + 1) % r.capacity
			dropped++
		}
	}
	return dropped
}

// ReadAll returns a copy of all items, oldest first.
func (r *Ring[T]) ReadAll() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(T) bool { return true })
}

// Filter returns a copy of the items for which keep returns true, oldest first.
func (r *Ring[T]) Filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(keep)
}

func (r *Ring[T]) collect(keep func(T) bool) []T {
	if r.size == 0 {
		return nil
	}

	result := make([]T, 0, r.size)
	for i := 0; i < r.size; i++ {
		item := r.items[(r.head+i)%r.capacity]
		if keep(item) {
			result = append(result, item)
		}
	}
	return result
}

// Oldest returns the oldest item and false when the ring is empty.
func (r *Ring[T]) Oldest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.items[r.head], true
}

// Len returns the current number of items in the ring.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.size
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return r.capacity
}
