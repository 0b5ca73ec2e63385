// Package reconcile merges readings from every transport into one live state
// per sensor. A single goroutine owns all writes; readers get copies.
package reconcile

import (
	"time"

	"github.com/ppalechor/agrotic-telemetry/sensor"
)

// Source names the transport an envelope arrived on.
type Source string

// Transport sources.
const (
	SourcePush Source = "push"
	SourceMQTT Source = "mqtt"
	SourcePoll Source = "poll"
)

// Envelope is one raw payload as handed over by an adapter.
// An empty SensorID means the payload is a broadcast record and every
// catalogued sensor whose field it carries is updated.
type Envelope struct {
	SensorID  sensor.ID
	Payload   sensor.Payload
	Source    Source
	ArrivedAt time.Time
}

// Targeted reports whether the envelope names a sensor.
func (e Envelope) Targeted() bool {
	return e.SensorID != ""
}

// Sink accepts envelopes from adapters. Submit never blocks; it returns an
// error when the envelope could not be queued.
type Sink interface {
	Submit(env Envelope) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(env Envelope) error

// Submit calls f(env).
func (f SinkFunc) Submit(env Envelope) error {
	return f(env)
}

// LiveReading is the current value of one sensor.
type LiveReading struct {
	Value      *float64  `json:"value"`
	Unit       string    `json:"unit"`
	ObservedAt time.Time `json:"observedAt"`
	Source     Source    `json:"source"`
}

// Update describes one reading applied to the store.
type Update struct {
	SensorID sensor.ID
	Reading  LiveReading
}
