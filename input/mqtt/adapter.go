package mqtt

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/health"
	"github.com/ppalechor/agrotic-telemetry/metric"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
	"github.com/ppalechor/agrotic-telemetry/settings"
)

const (
	adapterName    = "mqtt"
	disconnectWait = 250 // milliseconds
)

// SettingsSource provides broker settings and their changes.
type SettingsSource interface {
	Load(ctx context.Context) (settings.Settings, error)
	Watch(ctx context.Context) (<-chan settings.Settings, error)
}

// ClientFactory builds a paho client from options.
type ClientFactory func(*paho.ClientOptions) paho.Client

// Adapter subscribes to broker topics and forwards each message to the sink.
type Adapter struct {
	cfg       Config
	source    SettingsSource
	sink      reconcile.Sink
	newClient ClientFactory
	clock     func() time.Time
	metrics   *metric.Metrics
	logger    *slog.Logger

	running atomic.Bool

	mu       sync.Mutex
	client   paho.Client
	current  settings.Settings
	lastErr  error
	errCount int

	received  atomic.Int64
	connected atomic.Bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClientFactory replaces paho.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(a *Adapter) {
		if f != nil {
			a.newClient = f
		}
	}
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

// New creates a pub/sub adapter.
func New(cfg Config, source SettingsSource, sink reconcile.Sink, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || sink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "mqtt", "New", "settings source and sink are required")
	}
	if cfg.ReconnectPeriod <= 0 {
		cfg.ReconnectPeriod = DefaultReconnectPeriod
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = DefaultClientIDPrefix
	}

	a := &Adapter{
		cfg:       cfg,
		source:    source,
		sink:      sink,
		newClient: paho.NewClient,
		clock:     time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", adapterName)
	return a, nil
}

// Run starts a client for the stored settings and replaces it whenever the
// settings change. It returns when ctx is cancelled, after unsubscribing
// and disconnecting.
func (a *Adapter) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "mqtt", "Run", "start adapter")
	}
	defer a.running.Store(false)

	st, err := a.source.Load(ctx)
	if err != nil {
		a.recordError("settings_error", err)
		a.logger.Warn("using fallback broker settings", "error", err)
	}
	st = st.Normalize()

	updates, err := a.source.Watch(ctx)
	if err != nil {
		a.recordError("settings_error", err)
		a.logger.Warn("settings changes will not be followed", "error", err)
	}

	a.start(st)
	defer a.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case next, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			next = next.Normalize()
			if next.Equal(a.Settings()) {
				continue
			}
			a.logger.Info("broker settings changed, restarting client",
				"broker", next.BrokerURL, "topics", next.Topics)
			a.stop()
			a.start(next)
		}
	}
}

// Settings returns the settings of the active client.
func (a *Adapter) Settings() settings.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Connected reports whether the broker connection is open.
func (a *Adapter) Connected() bool {
	return a.connected.Load()
}

// Health reports the adapter's health.
func (a *Adapter) Health() health.Status {
	a.mu.Lock()
	lastErr, errCount := a.lastErr, a.errCount
	a.mu.Unlock()

	return health.FromAdapter(adapterName, a.Connected(), lastErr, &health.Metrics{
		ErrorCount:       errCount,
		PayloadsReceived: a.received.Load(),
	})
}

func (a *Adapter) start(st settings.Settings) {
	opts := paho.NewClientOptions().
		AddBroker(st.BrokerURL).
		SetClientID(a.cfg.ClientIDPrefix + "-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetConnectTimeout(a.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(a.cfg.ReconnectPeriod).
		SetConnectRetry(true).
		SetConnectRetryInterval(a.cfg.ReconnectPeriod)
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username).SetPassword(a.cfg.Password)
	}

	topics := append([]string(nil), st.Topics...)
	opts.SetOnConnectHandler(func(c paho.Client) {
		a.setConnected(true)
		a.logger.Info("broker connected", "broker", st.BrokerURL)
		a.subscribe(c, topics)
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		a.setConnected(false)
		a.recordError("connection_lost", err)
		a.logger.Warn("broker connection lost", "broker", st.BrokerURL, "error", err)
	})
	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		a.metrics.RecordReconnect(adapterName)
	})

	client := a.newClient(opts)

	a.mu.Lock()
	a.client = client
	a.current = st
	a.mu.Unlock()

	// with connect retry enabled the token completes only once connected
	token := client.Connect()
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			a.recordError("connect_error", err)
			a.logger.Warn("broker connect failed", "broker", st.BrokerURL, "error", err)
		}
	}()
}

func (a *Adapter) subscribe(c paho.Client, topics []string) {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = a.cfg.QoS
	}

	token := c.SubscribeMultiple(filters, func(_ paho.Client, msg paho.Message) {
		a.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(a.cfg.ConnectTimeout) {
		a.recordError("subscribe_error", errors.ErrConnectionTimeout)
		return
	}
	if err := token.Error(); err != nil {
		a.recordError("subscribe_error", err)
		a.logger.Warn("subscribe failed", "topics", topics, "error", err)
		return
	}
	a.logger.Info("subscribed", "topics", topics)
}

// stop unsubscribes and disconnects the active client, if any.
func (a *Adapter) stop() {
	a.mu.Lock()
	client, st := a.client, a.current
	a.client = nil
	a.mu.Unlock()

	if client == nil {
		return
	}
	if client.IsConnectionOpen() {
		token := client.Unsubscribe(st.Topics...)
		if token.WaitTimeout(time.Second) && token.Error() != nil {
			a.logger.Debug("unsubscribe failed", "error", token.Error())
		}
	}
	client.Disconnect(disconnectWait)
	a.setConnected(false)
}

func (a *Adapter) handleMessage(topic string, body []byte) {
	records, ok := parsePayload(topic, body)
	if !ok {
		a.recordError("parse_error", errors.ErrNoValue)
		return
	}

	now := a.clock()
	for _, p := range records {
		a.received.Add(1)
		id, _ := p.SensorID()
		env := reconcile.Envelope{SensorID: id, Payload: p, Source: reconcile.SourceMQTT, ArrivedAt: now}
		if err := a.sink.Submit(env); err != nil {
			a.recordError("enqueue_error", err)
		}
	}
}

func (a *Adapter) setConnected(connected bool) {
	a.connected.Store(connected)
	a.metrics.SetConnected(adapterName, connected)
}

func (a *Adapter) recordError(errType string, err error) {
	a.metrics.RecordError(adapterName, errType)
	a.mu.Lock()
	a.lastErr = err
	a.errCount++
	a.mu.Unlock()
}
