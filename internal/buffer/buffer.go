package buffer

import (
	"sync"
)

// Ring is a thread-safe fixed-capacity buffer. Once full, each Push
// overwrites the oldest item.
type Ring[T any] struct {
	mu    sync.Mutex
	data  []T
	start int
	size  int
}

// New creates a new Ring with the specified capacity (minimum 1).
func New[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push adds an item. If the ring is full, the oldest item is dropped.
func (r *Ring[T]) Push(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.data) {
		r.data[(r.start+r.size)%len(r.data)] = item
		r.size++
		return
	}
	r.data[r.start] = item
	r.start = (r.start + 1) % len(r.data)
}

// Snapshot returns a copy of the items, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.data[(r.start+i)%len(r.data)]
	}
	return out
}

// Last returns the newest item matching fn.
func (r *Ring[T]) Last(fn func(T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := r.size - 1; i >= 0; i-- {
		item := r.data[(r.start+i)%len(r.data)]
		if fn(item) {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.data)
}

// Reset drops every item.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.start = 0
	r.size = 0
}
