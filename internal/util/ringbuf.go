package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. Push overwrites the oldest
// element once the buffer is full. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	n     int
}

// NewRingBuffer creates a ring buffer holding at most capacity elements.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push appends item, evicting the oldest element when full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.items[(r.start+r.n)%len(r.items)] = item
	if r.n == len(r.items) {
		r.start = (r.start + 1) % len(r.items)
	} else {
		r.n++
	}
	r.mu.Unlock()
}

// Snapshot returns all elements, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.items[(r.start+i)%len(r.items)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of stored elements.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.n
	r.mu.RUnlock()
	return n
}
