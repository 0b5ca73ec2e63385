package health

import (
	"sort"
	"sync"
	"time"
)

// ConnectivityComponent is the monitor entry derived from the Tracker.
const ConnectivityComponent = "connectivity"

// Reporter is a component that can describe its own health.
type Reporter interface {
	Health() Status
}

// Monitor holds the latest status of each component and of the derived
// connectivity state. The session refreshes it on a fixed interval and the
// API reads it between refreshes.
type Monitor struct {
	mu       sync.RWMutex
	now      func() time.Time
	statuses map[string]Status
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{now: time.Now, statuses: make(map[string]Status)}
}

// Update stores status under name. The name always wins over
// status.Component and a missing timestamp is stamped now.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putLocked(name, status)
}

func (m *Monitor) putLocked(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = m.now()
	}
	m.statuses[name] = status
}

// Collect asks every reporter for its health and records the results under
// their map keys in a single update.
func (m *Monitor) Collect(reporters map[string]Reporter) {
	collected := make(map[string]Status, len(reporters))
	for name, r := range reporters {
		if r != nil {
			collected[name] = r.Health()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, st := range collected {
		m.putLocked(name, st)
	}
}

// UpdateConnectivity turns a Tracker snapshot into the connectivity entry.
// Live data through either the push channel or a recent poll is healthy.
func (m *Monitor) UpdateConnectivity(c Connectivity) {
	var st Status
	switch {
	case c.PushConnected:
		st = NewHealthy(ConnectivityComponent, "push channel connected")
	case c.Connected:
		st = NewHealthy(ConnectivityComponent, "recent successful poll")
	default:
		st = NewUnhealthy(ConnectivityComponent, "no push channel and no recent poll")
	}
	if c.LastPollAt != nil {
		st = st.WithMetrics(&Metrics{LastActivity: *c.LastPollAt})
	}
	m.Update(ConnectivityComponent, st)
}

// Get returns the status recorded under name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[name]
	return st, ok
}

// GetAll returns a copy of every recorded status.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for name, st := range m.statuses {
		out[name] = st
	}
	return out
}

// AggregateHealth rolls every recorded status up under systemName,
// sub-statuses ordered by component name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		subs = append(subs, st)
	}
	m.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(systemName, subs)
}

// Clear forgets every status.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = make(map[string]Status)
}
