package handlers

import "sync"

// backlog is a bounded FIFO. It refuses new items when full instead of
// dropping old ones, so the caller can report the failure.
type backlog[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	rejected int64
}

func newBacklog[T any](capacity int) *backlog[T] {
	if capacity <= 0 {
		capacity = 10000
	}
	return &backlog[T]{capacity: capacity}
}

// Enqueue appends item and reports false when the backlog is full.
func (b *backlog[T]) Enqueue(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.capacity {
		b.rejected++
		return false
	}
	b.items = append(b.items, item)
	return true
}

// Requeue puts items back at the head, ahead of anything enqueued since they
// were dequeued. It may exceed the capacity; those items were already
// accepted once.
func (b *backlog[T]) Requeue(items []T) {
	if len(items) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(append(make([]T, 0, len(items)+len(b.items)), items...), b.items...)
}

// DequeueBatch removes up to n items, oldest first.
func (b *backlog[T]) DequeueBatch(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil
	}
	if n > len(b.items) {
		n = len(b.items)
	}
	out := append([]T(nil), b.items[:n]...)
	var zero T
	for i := 0; i < n; i++ {
		b.items[i] = zero
	}
	b.items = b.items[n:]
	return out
}

func (b *backlog[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *backlog[T]) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}
