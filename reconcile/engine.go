package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/metric"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

// DefaultQueueSize is the ingress channel capacity.
const DefaultQueueSize = 1024

// Reasons a payload produced no reading.
const (
	ReasonUnknownSensor = "unknown_sensor"
	ReasonNoValue       = "no_value"
)

// Persister receives every applied reading and decides whether to write it back.
// Offer must not block.
type Persister interface {
	Offer(id sensor.ID, value float64, unit string)
}

// Engine owns the ingress channel and the single loop that applies envelopes to the store.
type Engine struct {
	store     *Store
	catalog   *sensor.Catalog
	extractor *sensor.Extractor
	persister Persister
	ingress   chan Envelope
	clock     func() time.Time
	metrics   *metric.Metrics
	logger    *slog.Logger

	subsMu      sync.RWMutex
	subscribers []func(Update)

	running atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithPersister sets the write-back decision point.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithExtractor sets the value extractor.
func WithExtractor(x *sensor.Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithClock overrides the observation clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMetrics records engine metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithQueueSize sets the ingress channel capacity.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.ingress = make(chan Envelope, n)
		}
	}
}

// WithHistoryCapacity sets the per-sensor history length.
func WithHistoryCapacity(n int) Option {
	return func(e *Engine) { e.store = NewStore(n) }
}

// NewEngine creates an engine reconciling against catalog.
func NewEngine(catalog *sensor.Catalog, opts ...Option) *Engine {
	if catalog == nil {
		catalog = sensor.NewCatalog()
	}
	e := &Engine{
		store:   NewStore(DefaultHistoryCapacity),
		catalog: catalog,
		ingress: make(chan Envelope, DefaultQueueSize),
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "reconcile")
	return e
}

// Store returns the engine's store for read access.
func (e *Engine) Store() *Store { return e.store }

// Catalog returns the sensor catalogue.
func (e *Engine) Catalog() *sensor.Catalog { return e.catalog }

// Subscribe registers fn to be called, on the loop goroutine, after every
// applied reading. fn must not block.
func (e *Engine) Subscribe(fn func(Update)) {
	e.subsMu.Lock()
	e.subscribers = append(e.subscribers, fn)
	e.subsMu.Unlock()
}

// Submit queues env for the loop without blocking.
func (e *Engine) Submit(env Envelope) error {
	if env.ArrivedAt.IsZero() {
		env.ArrivedAt = e.clock()
	}
	select {
	case e.ingress <- env:
		return nil
	default:
		e.metrics.RecordIgnored(string(env.Source), "queue_full")
		return errors.WrapTransient(errors.ErrQueueFull, "Engine", "Submit", "queue envelope")
	}
}

// Run applies queued envelopes until ctx is cancelled. It is the only writer
// of the store. Only one Run may be active at a time.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Run", "start loop")
	}
	defer e.running.Store(false)

	e.logger.Info("reconciliation loop started", "queue_size", cap(e.ingress))
	defer e.logger.Info("reconciliation loop stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-e.ingress:
			e.process(env)
			e.metrics.SetIngressDepth(len(e.ingress))
		}
	}
}

// Reset discards queued envelopes and all reconciled state.
// Call it only after Run has returned.
func (e *Engine) Reset() {
	for {
		select {
		case <-e.ingress:
		default:
			e.store.Reset()
			e.metrics.SetIngressDepth(0)
			return
		}
	}
}

// process applies one envelope and returns how many sensors it updated.
func (e *Engine) process(env Envelope) int {
	source := string(env.Source)
	e.metrics.RecordPayload(source)

	at := env.ArrivedAt
	if at.IsZero() {
		at = e.clock()
	}
	payloadUnit, _ := env.Payload.Text("unit")

	if env.Targeted() {
		s, ok := e.catalog.Get(env.SensorID)
		if !ok {
			e.metrics.RecordIgnored(source, ReasonUnknownSensor)
			e.logger.Debug("reading for unknown sensor", "sensor_id", env.SensorID, "source", source)
			return 0
		}
		v, ok := env.Payload.Number("value")
		if !ok {
			v, ok = e.extractor.Extract(env.Payload, s)
		}
		if !ok {
			e.metrics.RecordIgnored(source, ReasonNoValue)
			return 0
		}
		e.apply(s, v, payloadUnit, at, env.Source)
		return 1
	}

	applied := 0
	for _, s := range e.catalog.List() {
		v, ok := e.extractor.Extract(env.Payload, s)
		if !ok {
			continue
		}
		e.apply(s, v, payloadUnit, at, env.Source)
		applied++
	}
	if applied == 0 {
		e.metrics.RecordIgnored(source, ReasonNoValue)
	}
	return applied
}

func (e *Engine) apply(s sensor.Sensor, v float64, payloadUnit string, at time.Time, src Source) {
	unit := s.Unit
	if unit == "" {
		unit = payloadUnit
	}

	r := e.store.Apply(s.ID, v, unit, at, src)
	e.metrics.RecordApplied(string(src), e.store.Len())

	if e.persister != nil {
		e.persister.Offer(s.ID, v, r.Unit)
	}

	e.subsMu.RLock()
	subs := e.subscribers
	e.subsMu.RUnlock()
	for _, fn := range subs {
		fn(Update{SensorID: s.ID, Reading: r.clone()})
	}
}
