package poll

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppalechor/agrotic-telemetry/backend"
	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/health"
	"github.com/ppalechor/agrotic-telemetry/metric"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
)

const adapterName = "poll"

// Source returns the backend's current readings.
type Source interface {
	CurrentReadings(ctx context.Context) ([]backend.CurrentReading, error)
}

// PollRecorder is told about every successful poll.
type PollRecorder interface {
	MarkPollSuccess()
}

// Adapter polls the backend on a fixed cadence and forwards each reading.
type Adapter struct {
	cfg      Config
	source   Source
	sink     reconcile.Sink
	recorder PollRecorder
	clock    func() time.Time
	metrics  *metric.Metrics
	logger   *slog.Logger

	running atomic.Bool

	mu       sync.Mutex
	lastOK   time.Time
	lastErr  error
	errCount int
	received int64
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithPollRecorder reports successful polls, typically to a health.Tracker.
func WithPollRecorder(r PollRecorder) Option {
	return func(a *Adapter) { a.recorder = r }
}

// WithMetrics records adapter metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the arrival clock.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// New creates a poll adapter.
func New(cfg Config, source Source, sink reconcile.Sink, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "poll", "New", "source and sink are required")
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}

	a := &Adapter{
		cfg:    cfg,
		source: source,
		sink:   sink,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", adapterName)
	return a, nil
}

// Run polls immediately and then every interval until ctx is cancelled.
// Poll failures are logged and never end the loop.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "poll", "Run", "start adapter")
	}
	defer a.running.Store(false)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		a.Poll(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll performs one request and forwards its readings. It returns the
// number of envelopes accepted by the sink.
func (a *Adapter) Poll(ctx context.Context) int {
	start := time.Now()
	readings, err := a.source.CurrentReadings(ctx)
	a.metrics.ObservePoll(time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		a.recordError("poll_error", err)
		a.logger.Warn("poll failed", "error", err)
		return 0
	}

	now := a.clock()
	a.mu.Lock()
	a.lastOK = now
	a.received += int64(len(readings))
	a.mu.Unlock()
	if a.recorder != nil {
		a.recorder.MarkPollSuccess()
	}

	accepted := 0
	for _, r := range readings {
		env := reconcile.Envelope{SensorID: r.SensorID, Payload: r.Payload, Source: reconcile.SourcePoll, ArrivedAt: now}
		if err := a.sink.Submit(env); err != nil {
			a.recordError("enqueue_error", err)
			continue
		}
		accepted++
	}
	a.logger.Debug("poll complete", "readings", len(readings), "accepted", accepted)
	return accepted
}

// LastSuccess returns the time of the last successful poll, zero if none.
func (a *Adapter) LastSuccess() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOK
}

// Health reports the adapter's health. The adapter counts as connected while
// the last successful poll is within the page liveness window.
func (a *Adapter) Health() health.Status {
	a.mu.Lock()
	lastOK, lastErr, errCount, received := a.lastOK, a.lastErr, a.errCount, a.received
	a.mu.Unlock()

	live := !lastOK.IsZero() && a.clock().Sub(lastOK) <= health.PageLivenessWindow
	return health.FromAdapter(adapterName, live, lastErr, &health.Metrics{
		ErrorCount:       errCount,
		PayloadsReceived: received,
		LastActivity:     lastOK,
	})
}

func (a *Adapter) recordError(errType string, err error) {
	a.metrics.RecordError(adapterName, errType)
	a.mu.Lock()
	a.lastErr = err
	a.errCount++
	a.mu.Unlock()
}
