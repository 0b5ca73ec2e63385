// Package sensor holds the sensor declarations the engine reconciles against,
// and the pure functions that turn raw payloads into readings and readings
// into health status.
package sensor

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ID identifies a sensor. The backend emits numeric and string identifiers
// interchangeably, so both JSON forms decode into the same ID.
type ID string

// UnmarshalJSON accepts a JSON string or number.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// String returns the identifier as a string.
func (id ID) String() string { return string(id) }

// Sensor is the backend-owned declaration of a sensor. It is read-only to the engine.
type Sensor struct {
	ID    ID       `json:"id"`
	Type  string   `json:"type"`
	Unit  string   `json:"unit"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	LotID string   `json:"lotId,omitempty"`
}

// Bounds returns the declared range, with NaN for a missing bound.
func (s Sensor) Bounds() (float64, float64) {
	lo, hi := math.NaN(), math.NaN()
	if s.Min != nil {
		lo = *s.Min
	}
	if s.Max != nil {
		hi = *s.Max
	}
	return lo, hi
}

// Payload is an untyped telemetry record as received from any transport.
type Payload map[string]any

// Number looks up key and converts it to a finite float64.
// JSON numbers, Go numeric types and numeric strings are accepted.
func (p Payload) Number(key string) (float64, bool) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return 0, false
	}

	var v float64
	switch n := raw.(type) {
	case float64:
		v = n
	case float32:
		v = float64(n)
	case int:
		v = float64(n)
	case int64:
		v = float64(n)
	case int32:
		v = float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		v = f
	default:
		return 0, false
	}

	if !IsFinite(v) {
		return 0, false
	}
	return v, true
}

// First returns the first key in keys that holds a finite number.
func (p Payload) First(keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := p.Number(k); ok {
			return v, true
		}
	}
	return 0, false
}

// Text looks up key as a string, formatting numbers when needed.
func (p Payload) Text(key string) (string, bool) {
	switch v := p[key].(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	}
	return "", false
}

// sensorIDKeys name the field that targets a record at one sensor.
var sensorIDKeys = []string{"sensorId", "sensor_id", "id_sensor"}

// SensorID returns the sensor a record is addressed to, if any.
func (p Payload) SensorID() (ID, bool) {
	for _, k := range sensorIDKeys {
		if s, ok := p.Text(k); ok {
			if id := ID(strings.TrimSpace(s)); id != "" {
				return id, true
			}
		}
	}
	return "", false
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
