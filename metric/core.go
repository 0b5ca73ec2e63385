package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agrotic"

// Persistence outcomes recorded by the throttler.
const (
	PersistWritten         = "written"
	PersistSkippedNoValue  = "skipped_not_finite"
	PersistSkippedSame     = "skipped_unchanged"
	PersistSkippedWindow   = "skipped_window"
	PersistSkippedInFlight = "skipped_in_flight"
)

// Metrics contains the engine-level metrics shared by every component.
// All methods are safe on a nil receiver so components can run without a registry.
type Metrics struct {
	PayloadsReceived  *prometheus.CounterVec
	ReadingsApplied   *prometheus.CounterVec
	ReadingsIgnored   *prometheus.CounterVec
	PersistDecisions  *prometheus.CounterVec
	PersistFailures   prometheus.Counter
	AdapterConnected  *prometheus.GaugeVec
	AdapterReconnects *prometheus.CounterVec
	AdapterErrors     *prometheus.CounterVec
	PollDuration      prometheus.Histogram
	TrackedSensors    prometheus.Gauge
	IngressDepth      prometheus.Gauge
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		PayloadsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingress",
				Name:      "payloads_total",
				Help:      "Raw payloads received per transport source",
			},
			[]string{"source"},
		),

		ReadingsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "readings_applied_total",
				Help:      "Readings written to the live store per source",
			},
			[]string{"source"},
		),

		ReadingsIgnored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "readings_ignored_total",
				Help:      "Payloads that produced no value for a sensor",
			},
			[]string{"source", "reason"},
		),

		PersistDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persist",
				Name:      "decisions_total",
				Help:      "Throttler decisions by outcome",
			},
			[]string{"outcome"},
		),

		PersistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "persist",
				Name:      "failures_total",
				Help:      "Write-backs rejected by the backend and dropped",
			},
		),

		AdapterConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "connected",
				Help:      "1 when the adapter's transport is connected",
			},
			[]string{"adapter"},
		),

		AdapterReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "reconnects_total",
				Help:      "Reconnection attempts per adapter",
			},
			[]string{"adapter"},
		),

		AdapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "errors_total",
				Help:      "Transport and parse errors per adapter",
			},
			[]string{"adapter", "type"},
		),

		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "request_duration_seconds",
				Help:      "Duration of current-readings requests",
				Buckets:   prometheus.DefBuckets,
			},
		),

		TrackedSensors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "tracked_sensors",
				Help:      "Sensors with a live reading",
			},
		),

		IngressDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ingress",
				Name:      "queue_depth",
				Help:      "Envelopes waiting for the reconciliation loop",
			},
		),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.PayloadsReceived,
		m.ReadingsApplied,
		m.ReadingsIgnored,
		m.PersistDecisions,
		m.PersistFailures,
		m.AdapterConnected,
		m.AdapterReconnects,
		m.AdapterErrors,
		m.PollDuration,
		m.TrackedSensors,
		m.IngressDepth,
	)
}

// RecordPayload counts a raw payload from source.
func (m *Metrics) RecordPayload(source string) {
	if m == nil {
		return
	}
	m.PayloadsReceived.WithLabelValues(source).Inc()
}

// RecordApplied counts a reading written to the store.
func (m *Metrics) RecordApplied(source string, trackedSensors int) {
	if m == nil {
		return
	}
	m.ReadingsApplied.WithLabelValues(source).Inc()
	m.TrackedSensors.Set(float64(trackedSensors))
}

// RecordIgnored counts a payload that yielded no value.
func (m *Metrics) RecordIgnored(source, reason string) {
	if m == nil {
		return
	}
	m.ReadingsIgnored.WithLabelValues(source, reason).Inc()
}

// RecordPersistDecision counts a throttler outcome.
func (m *Metrics) RecordPersistDecision(outcome string) {
	if m == nil {
		return
	}
	m.PersistDecisions.WithLabelValues(outcome).Inc()
}

// RecordPersistFailure counts a dropped write-back.
func (m *Metrics) RecordPersistFailure() {
	if m == nil {
		return
	}
	m.PersistFailures.Inc()
}

// SetConnected records an adapter's connection state.
func (m *Metrics) SetConnected(adapter string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.AdapterConnected.WithLabelValues(adapter).Set(v)
}

// RecordReconnect counts a reconnection attempt.
func (m *Metrics) RecordReconnect(adapter string) {
	if m == nil {
		return
	}
	m.AdapterReconnects.WithLabelValues(adapter).Inc()
}

// RecordError counts an adapter error by type.
func (m *Metrics) RecordError(adapter, errType string) {
	if m == nil {
		return
	}
	m.AdapterErrors.WithLabelValues(adapter, errType).Inc()
}

// ObservePoll records the duration of one poll request.
func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(d.Seconds())
}

// SetIngressDepth records the ingress queue length.
func (m *Metrics) SetIngressDepth(n int) {
	if m == nil {
		return
	}
	m.IngressDepth.Set(float64(n))
}
