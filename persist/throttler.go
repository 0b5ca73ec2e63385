// Package persist decides which live readings are written back to the
// backend and performs the writes off the reconciliation loop.
package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/metric"
	"github.com/ppalechor/agrotic-telemetry/pkg/worker"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

// DefaultWindow is the minimum time between two writes for the same sensor.
const DefaultWindow = 10 * time.Second

// DefaultNote is attached to every written reading.
const DefaultNote = "Lectura automática desde dashboard"

// Writer records one reading in the backend.
type Writer interface {
	RecordReading(ctx context.Context, id sensor.ID, value float64, unit, note string) error
}

// Marker is the last value successfully written for a sensor.
type Marker struct {
	LastValue *float64
	LastAt    time.Time
}

// Config configures a Throttler.
type Config struct {
	Window    time.Duration `json:"window"     yaml:"window"`
	Note      string        `json:"note"       yaml:"note"`
	Workers   int           `json:"workers"    yaml:"workers"`
	QueueSize int           `json:"queue_size" yaml:"queue_size"`
}

// DefaultConfig returns the default write-back policy.
func DefaultConfig() Config {
	return Config{Window: DefaultWindow, Note: DefaultNote, Workers: 2, QueueSize: 256}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Window < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "window must not be negative")
	}
	if c.Workers < 0 || c.QueueSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "workers and queue_size must not be negative")
	}
	return nil
}

type job struct {
	id    sensor.ID
	value float64
	unit  string
}

// Throttler applies the write-back policy: a reading is written only if it
// is finite, differs from the last written value, and the last write is
// older than the window. At most one write per sensor is in flight.
type Throttler struct {
	writer   Writer
	window   time.Duration
	note     string
	clock    func() time.Time
	pool     *worker.Pool[job]
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	markers  map[sensor.ID]Marker
	inFlight map[sensor.ID]struct{}
}

// Option configures a Throttler.
type Option func(*Throttler)

// WithClock overrides the decision clock.
func WithClock(clock func() time.Time) Option {
	return func(t *Throttler) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithLogger sets the throttler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Throttler) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics records throttler decisions and failures.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(t *Throttler) {
		t.registry = registry
		t.metrics = registry.CoreMetrics()
	}
}

// NewThrottler creates a throttler writing through w.
func NewThrottler(w Writer, cfg Config, opts ...Option) *Throttler {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Note == "" {
		cfg.Note = DefaultNote
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	t := &Throttler{
		writer:   w,
		window:   cfg.Window,
		note:     cfg.Note,
		clock:    time.Now,
		logger:   slog.Default(),
		markers:  make(map[sensor.ID]Marker),
		inFlight: make(map[sensor.ID]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "persist")

	poolOpts := []worker.Option[job]{worker.WithLogger[job](t.logger)}
	if t.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[job](t.registry, "agrotic_persist_worker"))
	}
	t.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, t.write, poolOpts...)
	return t
}

// Start launches the write-back workers.
func (t *Throttler) Start(ctx context.Context) error {
	if err := t.pool.Start(ctx); err != nil {
		return errors.WrapInvalid(err, "Throttler", "Start", "start workers")
	}
	return nil
}

// Stop waits up to timeout for queued writes to finish.
func (t *Throttler) Stop(timeout time.Duration) error {
	if err := t.pool.Stop(timeout); err != nil {
		return errors.WrapTransient(err, "Throttler", "Stop", "drain workers")
	}
	return nil
}

// Decide evaluates the write policy for value without reserving anything.
// It returns one of the metric.Persist* outcomes.
func (t *Throttler) Decide(id sensor.ID, value float64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decideLocked(id, value)
}

func (t *Throttler) decideLocked(id sensor.ID, value float64) string {
	if !sensor.IsFinite(value) {
		return metric.PersistSkippedNoValue
	}
	if _, busy := t.inFlight[id]; busy {
		return metric.PersistSkippedInFlight
	}
	m, ok := t.markers[id]
	if !ok {
		return metric.PersistWritten
	}
	if m.LastValue != nil && *m.LastValue == value {
		return metric.PersistSkippedSame
	}
	if !m.LastAt.IsZero() && t.clock().Sub(m.LastAt) <= t.window {
		return metric.PersistSkippedWindow
	}
	return metric.PersistWritten
}

// Offer submits value for write-back if the policy allows it. It never blocks.
func (t *Throttler) Offer(id sensor.ID, value float64, unit string) {
	t.mu.Lock()
	outcome := t.decideLocked(id, value)
	if outcome == metric.PersistWritten {
		t.inFlight[id] = struct{}{}
	}
	t.mu.Unlock()

	t.metrics.RecordPersistDecision(outcome)
	if outcome != metric.PersistWritten {
		return
	}

	if err := t.pool.Submit(job{id: id, value: value, unit: unit}); err != nil {
		t.release(id)
		t.metrics.RecordPersistFailure()
		t.logger.Warn("write-back not queued", "sensor_id", id, "value", value, "error", err)
	}
}

// write runs on a pool worker.
func (t *Throttler) write(ctx context.Context, j job) error {
	err := t.writer.RecordReading(ctx, j.id, j.value, j.unit, t.note)
	if err != nil {
		t.release(j.id)
		t.metrics.RecordPersistFailure()
		t.logger.Warn("write-back failed", "sensor_id", j.id, "value", j.value, "error", err)
		return errors.Wrap(err, "Throttler", "write", "record reading")
	}

	v := j.value
	t.mu.Lock()
	t.markers[j.id] = Marker{LastValue: &v, LastAt: t.clock()}
	delete(t.inFlight, j.id)
	t.mu.Unlock()

	t.logger.Debug("reading persisted", "sensor_id", j.id, "value", j.value, "unit", j.unit)
	return nil
}

func (t *Throttler) release(id sensor.ID) {
	t.mu.Lock()
	delete(t.inFlight, id)
	t.mu.Unlock()
}

// Marker returns a copy of id's last written value.
func (t *Throttler) Marker(id sensor.ID) (Marker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.markers[id]
	if ok && m.LastValue != nil {
		v := *m.LastValue
		m.LastValue = &v
	}
	return m, ok
}

// Reset discards every marker and reservation.
func (t *Throttler) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markers = make(map[sensor.ID]Marker)
	t.inFlight = make(map[sensor.ID]struct{})
}
