// Package health reports the liveness of the engine's transports and sensors.
package health

import (
	"regexp"
	"strings"
	"time"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|wss?|mqtts?|tcp|nats)://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of an adapter or of the whole engine
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy", "degraded"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics contains health-related counters for an adapter
type Metrics struct {
	ErrorCount       int       `json:"error_count"`
	PayloadsReceived int64     `json:"payloads_received,omitempty"`
	LastActivity     time.Time `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == "degraded"
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == "unhealthy"
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// sanitizeErrorMessage strips broker URLs, addresses and credentials from
// transport errors before they are exposed over the HTTP API.
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := urlRegex.ReplaceAllString(err, "[URL]")
	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	lower := strings.ToLower(sanitized)
	if strings.Contains(lower, "password") || strings.Contains(lower, "token") ||
		strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
		strings.Contains(lower, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// FromAdapter builds a status for a transport adapter.
// A disconnected adapter with no error yet is reported as degraded.
func FromAdapter(name string, connected bool, lastErr error, m *Metrics) Status {
	var s Status
	switch {
	case connected:
		s = NewHealthy(name, "connected")
	case lastErr != nil:
		s = NewUnhealthy(name, sanitizeErrorMessage(lastErr.Error()))
	default:
		s = NewDegraded(name, "not connected")
	}
	return s.WithMetrics(m)
}
