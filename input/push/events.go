package push

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

// Event names carried in a frame.
const (
	EventReading         = "reading"
	EventBulkReadings    = "bulkReadings"
	EventBrokerStatus    = "brokerStatus"
	EventSensorStatus    = "sensorStatus"
	EventDashboardUpdate = "dashboardUpdate"
)

// BulkLimit is how many of the most recent bulk readings are considered.
const BulkLimit = 200

// Frame is one message on the push channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// BrokerStatus reports whether the platform can reach a broker.
type BrokerStatus struct {
	Name      string
	Connected bool
}

// SensorStatus reports a sensor's online flag.
type SensorStatus struct {
	SensorID sensor.ID
	Online   bool
}

func parseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.WrapInvalid(err, "push", "parseFrame", "unmarshal frame")
	}
	if f.Event == "" {
		return Frame{}, errors.WrapInvalid(errors.ErrInvalidData, "push", "parseFrame", "missing event name")
	}
	return f, nil
}

func decodePayloads(data json.RawMessage) ([]sensor.Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []sensor.Payload
		if err := dec.Decode(&list); err != nil {
			return nil, errors.WrapInvalid(err, "push", "decodePayloads", "decode list")
		}
		return list, nil
	}

	var p sensor.Payload
	if err := dec.Decode(&p); err != nil {
		return nil, errors.WrapInvalid(err, "push", "decodePayloads", "decode object")
	}
	if p == nil {
		return nil, nil
	}
	// bulk data may also arrive wrapped as {"readings": [...]}
	if inner, ok := p["readings"].([]any); ok {
		out := make([]sensor.Payload, 0, len(inner))
		for _, item := range inner {
			if m, ok := item.(map[string]any); ok {
				out = append(out, sensor.Payload(m))
			}
		}
		return out, nil
	}
	return []sensor.Payload{p}, nil
}

// mostRecent keeps the last limit records; records arrive oldest first.
func mostRecent(records []sensor.Payload, limit int) []sensor.Payload {
	if len(records) <= limit {
		return records
	}
	return records[len(records)-limit:]
}

func parseBrokerStatus(p sensor.Payload) (BrokerStatus, bool) {
	var name string
	for _, k := range []string{"broker", "name", "url", "brokerUrl"} {
		if s, ok := p.Text(k); ok {
			name = s
			break
		}
	}
	connected, ok := flag(p, "connected", "online", "status")
	if name == "" || !ok {
		return BrokerStatus{}, false
	}
	return BrokerStatus{Name: name, Connected: connected}, true
}

func parseSensorStatus(p sensor.Payload) (SensorStatus, bool) {
	id, ok := p.SensorID()
	if !ok {
		return SensorStatus{}, false
	}
	online, ok := flag(p, "online", "connected", "status")
	if !ok {
		return SensorStatus{}, false
	}
	return SensorStatus{SensorID: id, Online: online}, true
}

// flag reads the first boolean-like field among keys.
func flag(p sensor.Payload, keys ...string) (bool, bool) {
	for _, k := range keys {
		switch v := p[k].(type) {
		case bool:
			return v, true
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "online", "connected", "up", "true", "activo":
				return true, true
			case "offline", "disconnected", "down", "false", "inactivo":
				return false, true
			}
		}
	}
	return false, false
}
