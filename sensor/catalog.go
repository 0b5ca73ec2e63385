package sensor

import (
	"context"
	"sort"
	"sync"

	"github.com/ppalechor/agrotic-telemetry/errors"
)

// Lister fetches sensor declarations from the backend.
type Lister interface {
	ListSensors(ctx context.Context) ([]Sensor, error)
}

// Catalog is the session's read-only view of sensor declarations.
// It changes only through Replace or Refresh.
type Catalog struct {
	mu      sync.RWMutex
	sensors map[ID]Sensor
}

// NewCatalog creates a catalogue seeded with sensors.
func NewCatalog(sensors ...Sensor) *Catalog {
	c := &Catalog{}
	c.Replace(sensors)
	return c
}

// Replace swaps the whole set of declarations.
func (c *Catalog) Replace(sensors []Sensor) {
	m := make(map[ID]Sensor, len(sensors))
	for _, s := range sensors {
		if s.ID == "" {
			continue
		}
		m[s.ID] = s
	}

	c.mu.Lock()
	c.sensors = m
	c.mu.Unlock()
}

// Refresh reloads the catalogue from l. On error the current declarations are kept.
func (c *Catalog) Refresh(ctx context.Context, l Lister) error {
	sensors, err := l.ListSensors(ctx)
	if err != nil {
		return errors.Wrap(err, "Catalog", "Refresh", "list sensors")
	}
	c.Replace(sensors)
	return nil
}

// Get returns the declaration for id.
func (c *Catalog) Get(id ID) (Sensor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sensors[id]
	return s, ok
}

// List returns all declarations ordered by ID.
func (c *Catalog) List() []Sensor {
	c.mu.RLock()
	out := make([]Sensor, 0, len(c.sensors))
	for _, s := range c.sensors {
		out = append(out, s)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of declared sensors.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sensors)
}
