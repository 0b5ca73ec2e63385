// Package buffer provides a thread-safe bounded FIFO that evicts its oldest
// item when full. It backs the per-sensor rolling history.
package buffer

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write appends item, evicting the oldest item when full.
	Write(item T) error

	// Snapshot returns a copy of the buffered items, oldest first.
	Snapshot() []T

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// Close marks the buffer closed; later writes fail.
	Close() error
}

// NewCircularBuffer creates a ring with the given capacity.
// A capacity below one is raised to one.
func NewCircularBuffer[T any](capacity int) Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &circularBuffer[T]{items: make([]T, capacity)}
}
