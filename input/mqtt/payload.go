package mqtt

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/ppalechor/agrotic-telemetry/sensor"
)

var firstDecimal = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?`)

// parsePayload turns a message body into payload records.
// JSON objects and arrays of objects are used as-is. Any other body is
// scanned for its first signed decimal, which is keyed by the full topic
// and by the topic's last segment.
func parsePayload(topic string, body []byte) ([]sensor.Payload, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}

	switch trimmed[0] {
	case '{':
		var p sensor.Payload
		if decode(trimmed, &p) == nil && p != nil {
			return []sensor.Payload{p}, true
		}
	case '[':
		var list []sensor.Payload
		if decode(trimmed, &list) == nil && len(list) > 0 {
			return list, true
		}
	}

	match := firstDecimal.Find(trimmed)
	if match == nil {
		return nil, false
	}
	v, err := strconv.ParseFloat(string(match), 64)
	if err != nil || !sensor.IsFinite(v) {
		return nil, false
	}

	p := sensor.Payload{topic: v}
	if seg := lastSegment(topic); seg != "" && seg != topic {
		p[seg] = v
	}
	return []sensor.Payload{p}, true
}

func decode(data []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(dst)
}

func lastSegment(topic string) string {
	topic = strings.TrimRight(topic, "/")
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		topic = topic[i+1:]
	}
	return strings.ToLower(topic)
}
