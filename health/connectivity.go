package health

import (
	"sort"
	"sync"
	"time"

	"github.com/ppalechor/agrotic-telemetry/sensor"
)

const (
	// PageLivenessWindow is how recent a successful poll must be for the
	// engine to count as connected while the push channel is down.
	PageLivenessWindow = 12 * time.Second

	// SensorLivenessWindow is how recent a sensor's last reading must be for
	// it to be inferred online when no explicit status has been reported.
	SensorLivenessWindow = 15 * time.Second
)

// BrokerState is the last reachability report for one broker.
type BrokerState struct {
	Name      string    `json:"name"`
	Connected bool      `json:"connected"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Connectivity is a point-in-time copy of the tracker's state.
type Connectivity struct {
	Connected     bool          `json:"connected"`
	PushConnected bool          `json:"pushConnected"`
	LastPollAt    *time.Time    `json:"lastPollAt,omitempty"`
	Brokers       []BrokerState `json:"brokers"`
}

// Tracker infers connectivity from transport events. Adapters write to it
// directly; it holds no reconciled readings.
type Tracker struct {
	mu            sync.RWMutex
	now           func() time.Time
	pushConnected bool
	lastPoll      time.Time
	brokers       map[string]BrokerState
	sensorOnline  map[sensor.ID]bool
}

// NewTracker creates a tracker. A nil clock means time.Now.
func NewTracker(clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		now:          clock,
		brokers:      make(map[string]BrokerState),
		sensorOnline: make(map[sensor.ID]bool),
	}
}

// SetPushConnected records the push channel's connection state.
func (t *Tracker) SetPushConnected(connected bool) {
	t.mu.Lock()
	t.pushConnected = connected
	t.mu.Unlock()
}

// MarkPollSuccess records a successful poll at the tracker's current time.
func (t *Tracker) MarkPollSuccess() {
	t.mu.Lock()
	t.lastPoll = t.now()
	t.mu.Unlock()
}

// LastPoll returns the time of the last successful poll, zero if none.
func (t *Tracker) LastPoll() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastPoll
}

// SetBroker records a broker reachability report.
func (t *Tracker) SetBroker(name string, connected bool) {
	if name == "" {
		return
	}
	t.mu.Lock()
	t.brokers[name] = BrokerState{Name: name, Connected: connected, UpdatedAt: t.now()}
	t.mu.Unlock()
}

// SetSensorOnline records an explicitly reported online flag for a sensor.
func (t *Tracker) SetSensorOnline(id sensor.ID, online bool) {
	t.mu.Lock()
	t.sensorOnline[id] = online
	t.mu.Unlock()
}

// Connected reports whether the push channel is up or a poll succeeded
// within PageLivenessWindow.
func (t *Tracker) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connectedLocked()
}

func (t *Tracker) connectedLocked() bool {
	if t.pushConnected {
		return true
	}
	return !t.lastPoll.IsZero() && t.now().Sub(t.lastPoll) <= PageLivenessWindow
}

// SensorOnline reports whether a sensor is online. A reported flag takes
// precedence; otherwise the sensor is online if lastObserved is within
// SensorLivenessWindow.
func (t *Tracker) SensorOnline(id sensor.ID, lastObserved time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if online, ok := t.sensorOnline[id]; ok {
		return online
	}
	return !lastObserved.IsZero() && t.now().Sub(lastObserved) <= SensorLivenessWindow
}

// Snapshot returns a copy of the current connectivity state.
func (t *Tracker) Snapshot() Connectivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c := Connectivity{
		Connected:     t.connectedLocked(),
		PushConnected: t.pushConnected,
		Brokers:       make([]BrokerState, 0, len(t.brokers)),
	}
	if !t.lastPoll.IsZero() {
		lp := t.lastPoll
		c.LastPollAt = &lp
	}
	for _, b := range t.brokers {
		c.Brokers = append(c.Brokers, b)
	}
	sort.Slice(c.Brokers, func(i, j int) bool { return c.Brokers[i].Name < c.Brokers[j].Name })
	return c
}

// Reset discards all recorded state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushConnected = false
	t.lastPoll = time.Time{}
	t.brokers = make(map[string]BrokerState)
	t.sensorOnline = make(map[sensor.ID]bool)
}
