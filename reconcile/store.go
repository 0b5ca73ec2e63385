package reconcile

import (
	"sync"
	"time"

	"github.com/ppalechor/agrotic-telemetry/sensor"
)

// Store holds the live reading and rolling history of every sensor.
// Only the engine's loop writes to it; any goroutine may read.
type Store struct {
	mu       sync.RWMutex
	readings map[sensor.ID]LiveReading
	history  *History
}

// NewStore creates an empty store keeping historyCapacity values per sensor.
func NewStore(historyCapacity int) *Store {
	return &Store{
		readings: make(map[sensor.ID]LiveReading),
		history:  NewHistory(historyCapacity),
	}
}

// Apply overwrites id's live reading and appends value to its history.
// The first unit recorded for a sensor is kept for the rest of the session.
func (s *Store) Apply(id sensor.ID, value float64, unit string, observedAt time.Time, source Source) LiveReading {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.readings[id]; ok && prev.Unit != "" {
		unit = prev.Unit
	}

	v := value
	r := LiveReading{Value: &v, Unit: unit, ObservedAt: observedAt, Source: source}
	s.readings[id] = r
	s.history.Push(id, value)

	return r.clone()
}

// Reading returns a copy of id's live reading.
func (s *Store) Reading(id sensor.ID) (LiveReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.readings[id]
	if !ok {
		return LiveReading{}, false
	}
	return r.clone(), true
}

// History returns a copy of id's recent values, oldest first.
func (s *Store) History(id sensor.ID) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history.Values(id)
}

// Snapshot returns a copy of every live reading.
func (s *Store) Snapshot() map[sensor.ID]LiveReading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[sensor.ID]LiveReading, len(s.readings))
	for id, r := range s.readings {
		out[id] = r.clone()
	}
	return out
}

// Len returns the number of sensors with a live reading.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

// Reset discards all readings and history.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readings = make(map[sensor.ID]LiveReading)
	s.history.Reset()
}

func (r LiveReading) clone() LiveReading {
	if r.Value != nil {
		v := *r.Value
		r.Value = &v
	}
	return r
}
