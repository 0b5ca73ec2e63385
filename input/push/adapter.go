package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/health"
	"github.com/ppalechor/agrotic-telemetry/metric"
	"github.com/ppalechor/agrotic-telemetry/pkg/retry"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

const adapterName = "push"

// StatusRecorder receives connection and presence events.
type StatusRecorder interface {
	SetPushConnected(connected bool)
	SetBroker(name string, connected bool)
	SetSensorOnline(id sensor.ID, online bool)
}

// Adapter keeps one WebSocket connection to the push channel and forwards
// readings to the reconciliation sink.
type Adapter struct {
	cfg         Config
	sink        reconcile.Sink
	status      StatusRecorder
	dialer      *websocket.Dialer
	onDashboard func(json.RawMessage)
	clock       func() time.Time
	metrics     *metric.Metrics
	logger      *slog.Logger

	running   atomic.Bool
	connected atomic.Bool

	connMu sync.Mutex
	conn   *websocket.Conn

	errMu    sync.Mutex
	lastErr  error
	errCount atomic.Int64
	received atomic.Int64
	lastSeen atomic.Value // time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithStatusRecorder forwards connection and presence events.
func WithStatusRecorder(r StatusRecorder) Option {
	return func(a *Adapter) { a.status = r }
}

// WithDashboardHook receives dashboardUpdate payloads unchanged.
func WithDashboardHook(fn func(json.RawMessage)) Option {
	return func(a *Adapter) { a.onDashboard = fn }
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

// New creates a push adapter delivering to sink.
func New(cfg Config, sink reconcile.Sink, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "push", "New", "sink is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	a := &Adapter{
		cfg:    cfg,
		sink:   sink,
		clock:  time.Now,
		logger: slog.Default(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", adapterName)
	return a, nil
}

// Connected reports whether the push connection is currently open.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// Run connects and reads until ctx is cancelled or the retry budget is spent.
// Each failed attempt or dropped connection counts against MaxRetries;
// a successful connection resets the count.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "push", "Run", "start adapter")
	}
	defer a.running.Store(false)
	defer a.setConnected(false)

	policy := retry.NewPolicy(retry.Fixed(a.cfg.MaxRetries, a.cfg.Backoff))

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := a.dial(ctx)
		if err == nil {
			policy.Reset()
			a.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
		} else {
			a.recordError("connect_error", err)
			a.logger.Warn("push connect failed", "url", a.cfg.URL, "error", err)
		}

		delay, ok := policy.Next()
		if !ok {
			a.logger.Error("push channel giving up", "max_retries", a.cfg.MaxRetries)
			return errors.WrapTransient(errors.ErrMaxRetriesExceeded, "push", "Run", "reconnect")
		}
		a.metrics.RecordReconnect(adapterName)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// Close drops the current connection, if any. Run keeps its retry cadence.
func (a *Adapter) Close() {
	a.connMu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.connMu.Unlock()
}

// Health reports the adapter's health.
func (a *Adapter) Health() health.Status {
	a.errMu.Lock()
	lastErr := a.lastErr
	a.errMu.Unlock()

	m := &health.Metrics{
		ErrorCount:       int(a.errCount.Load()),
		PayloadsReceived: a.received.Load(),
	}
	if t, ok := a.lastSeen.Load().(time.Time); ok {
		m.LastActivity = t
	}
	return health.FromAdapter(adapterName, a.Connected(), lastErr, m)
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range a.cfg.Headers {
		header.Set(k, v)
	}
	conn, resp, err := a.dialer.DialContext(ctx, a.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "push", "dial", "open connection")
	}
	return conn, nil
}

// serve owns conn until it fails or ctx is cancelled.
func (a *Adapter) serve(ctx context.Context, conn *websocket.Conn) {
	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
		a.connMu.Lock()
		a.conn = nil
		a.connMu.Unlock()
		a.setConnected(false)
	}()

	a.setConnected(true)
	a.logger.Info("push channel connected", "url", a.cfg.URL)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				a.recordError("read_error", err)
				a.logger.Warn("push channel dropped", "error", err)
			}
			return
		}
		a.handleMessage(message)
	}
}

func (a *Adapter) handleMessage(message []byte) {
	a.lastSeen.Store(a.clock())

	frame, err := parseFrame(message)
	if err != nil {
		a.recordError("parse_error", err)
		return
	}

	switch frame.Event {
	case EventReading:
		a.forward(frame, 0)
	case EventBulkReadings:
		a.forward(frame, BulkLimit)
	case EventBrokerStatus:
		a.applyStatus(frame, func(p sensor.Payload) {
			if bs, ok := parseBrokerStatus(p); ok && a.status != nil {
				a.status.SetBroker(bs.Name, bs.Connected)
			}
		})
	case EventSensorStatus:
		a.applyStatus(frame, func(p sensor.Payload) {
			if ss, ok := parseSensorStatus(p); ok && a.status != nil {
				a.status.SetSensorOnline(ss.SensorID, ss.Online)
			}
		})
	case EventDashboardUpdate:
		if a.onDashboard != nil {
			a.onDashboard(frame.Data)
		}
	default:
		a.logger.Debug("ignoring push event", "event", frame.Event)
	}
}

// forward submits readings from frame; limit > 0 keeps only the most recent.
func (a *Adapter) forward(frame Frame, limit int) {
	records, err := decodePayloads(frame.Data)
	if err != nil {
		a.recordError("parse_error", err)
		return
	}
	if limit > 0 {
		records = mostRecent(records, limit)
	}

	now := a.clock()
	for _, p := range records {
		a.received.Add(1)
		id, _ := p.SensorID()
		env := reconcile.Envelope{SensorID: id, Payload: p, Source: reconcile.SourcePush, ArrivedAt: now}
		if err := a.sink.Submit(env); err != nil {
			a.recordError("enqueue_error", err)
		}
	}
}

func (a *Adapter) applyStatus(frame Frame, apply func(sensor.Payload)) {
	records, err := decodePayloads(frame.Data)
	if err != nil {
		a.recordError("parse_error", err)
		return
	}
	for _, p := range records {
		apply(p)
	}
}

func (a *Adapter) setConnected(connected bool) {
	a.connected.Store(connected)
	a.metrics.SetConnected(adapterName, connected)
	if a.status != nil {
		a.status.SetPushConnected(connected)
	}
}

func (a *Adapter) recordError(errType string, err error) {
	a.errCount.Add(1)
	a.metrics.RecordError(adapterName, errType)
	a.errMu.Lock()
	a.lastErr = err
	a.errMu.Unlock()
}
