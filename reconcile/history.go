package reconcile

import (
	"github.com/ppalechor/agrotic-telemetry/pkg/buffer"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

// DefaultHistoryCapacity is the number of readings kept per sensor.
const DefaultHistoryCapacity = 50

// History keeps a bounded FIFO of recent values per sensor, in arrival order.
// Values are not deduplicated. The map itself is guarded by the owning Store.
type History struct {
	capacity int
	buffers  map[sensor.ID]buffer.Buffer[float64]
}

// NewHistory creates a history with the given per-sensor capacity.
// Capacities outside 1..DefaultHistoryCapacity fall back to the default.
func NewHistory(capacity int) *History {
	if capacity <= 0 || capacity > DefaultHistoryCapacity {
		capacity = DefaultHistoryCapacity
	}
	return &History{
		capacity: capacity,
		buffers:  make(map[sensor.ID]buffer.Buffer[float64]),
	}
}

// Push appends v to id's history, evicting the oldest value when full.
func (h *History) Push(id sensor.ID, v float64) {
	b, ok := h.buffers[id]
	if !ok {
		b = buffer.NewCircularBuffer[float64](h.capacity)
		h.buffers[id] = b
	}
	// a closed buffer only occurs after Reset replaced the map
	_ = b.Write(v)
}

// Values returns a copy of id's history, oldest first.
func (h *History) Values(id sensor.ID) []float64 {
	b, ok := h.buffers[id]
	if !ok {
		return nil
	}
	return b.Snapshot()
}

// Capacity returns the per-sensor capacity.
func (h *History) Capacity() int {
	return h.capacity
}

// Reset discards every sensor's history.
func (h *History) Reset() {
	for _, b := range h.buffers {
		_ = b.Close()
	}
	h.buffers = make(map[sensor.ID]buffer.Buffer[float64])
}
