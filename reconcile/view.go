package reconcile

import (
	"time"

	"github.com/ppalechor/agrotic-telemetry/sensor"
)

// Presence answers whether a sensor is online given its last observation.
type Presence interface {
	SensorOnline(id sensor.ID, lastObserved time.Time) bool
}

// SensorView is a sensor's declaration joined with its live state.
// Status is evaluated at the time the view is built.
type SensorView struct {
	Sensor  sensor.Sensor `json:"sensor"`
	Reading *LiveReading  `json:"reading,omitempty"`
	Status  sensor.Status `json:"status"`
	Online  bool          `json:"online"`
}

// View builds the view of one catalogued sensor. presence may be nil.
func (e *Engine) View(id sensor.ID, presence Presence) (SensorView, bool) {
	s, ok := e.catalog.Get(id)
	if !ok {
		return SensorView{}, false
	}
	r, ok := e.store.Reading(id)
	return buildView(s, r, ok, presence), true
}

// Views builds the view of every catalogued sensor, ordered by ID.
func (e *Engine) Views(presence Presence) []SensorView {
	readings := e.store.Snapshot()
	sensors := e.catalog.List()

	out := make([]SensorView, 0, len(sensors))
	for _, s := range sensors {
		r, ok := readings[s.ID]
		out = append(out, buildView(s, r, ok, presence))
	}
	return out
}

func buildView(s sensor.Sensor, r LiveReading, ok bool, presence Presence) SensorView {
	v := SensorView{Sensor: s, Status: sensor.StatusUnknown}
	var observed time.Time
	if ok {
		v.Reading = &r
		v.Status = sensor.EvaluateReading(r.Value, s)
		observed = r.ObservedAt
	}
	if presence != nil {
		v.Online = presence.SensorOnline(s.ID, observed)
	}
	return v
}

// History returns the sensor's recent values, oldest first.
func (e *Engine) History(id sensor.ID) []float64 {
	return e.store.History(id)
}
