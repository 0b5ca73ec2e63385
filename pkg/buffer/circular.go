package buffer

import (
	"sync"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

// circularBuffer is a fixed ring. start indexes the oldest item.
type circularBuffer[T any] struct {
	mu     sync.RWMutex
	items  []T
	start  int
	size   int
	closed bool
}

func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Buffer", "Write", "buffer closed")
	}

	n := len(cb.items)
	if cb.size == n {
		cb.items[cb.start] = item
		cb.start = (cb.start + 1) % n
		return nil
	}
	cb.items[(cb.start+cb.size)%n] = item
	cb.size++
	return nil
}

func (cb *circularBuffer[T]) Snapshot() []T {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	out := make([]T, cb.size)
	for i := range out {
		out[i] = cb.items[(cb.start+i)%len(cb.items)]
	}
	return out
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	return len(cb.items)
}

func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
