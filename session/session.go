// Package session wires the engine, its adapters and its sinks into one
// runnable unit with an idempotent teardown.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ppalechor/agrotic-telemetry/backend"
	"github.com/ppalechor/agrotic-telemetry/config"
	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/gateway"
	httpgw "github.com/ppalechor/agrotic-telemetry/gateway/http"
	"github.com/ppalechor/agrotic-telemetry/health"
	"github.com/ppalechor/agrotic-telemetry/input/mqtt"
	"github.com/ppalechor/agrotic-telemetry/input/poll"
	"github.com/ppalechor/agrotic-telemetry/input/push"
	"github.com/ppalechor/agrotic-telemetry/metric"
	"github.com/ppalechor/agrotic-telemetry/output/kafka"
	"github.com/ppalechor/agrotic-telemetry/persist"
	"github.com/ppalechor/agrotic-telemetry/pkg/retry"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
	"github.com/ppalechor/agrotic-telemetry/sensor"
	"github.com/ppalechor/agrotic-telemetry/settings"
)

// Defaults for session housekeeping.
const (
	DefaultHealthInterval = 2 * time.Second
	DefaultStopTimeout    = 5 * time.Second
	refreshInterval       = 5 * time.Second
	catalogComponent      = "catalog"
)

// runner is a long-running part of the session.
type runner interface {
	Run(ctx context.Context) error
}

type part struct {
	name     string
	run      runner
	reporter health.Reporter
	// critical parts end the session when they fail; adapters never do
	critical bool
}

// Session owns every component of one engine run.
type Session struct {
	ID string

	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics

	backend   *backend.Client
	catalog   *sensor.Catalog
	engine    *reconcile.Engine
	throttler *persist.Throttler
	tracker   *health.Tracker
	monitor   *health.Monitor
	settings  settings.Store
	refresh   *rate.Limiter
	dashboard *gateway.DashboardCache

	push    *push.Adapter
	mqtt    *mqtt.Adapter
	poll    *poll.Adapter
	kafka   *kafka.Sink
	gateway *httpgw.Gateway
	parts   []part

	mqttOpts       []mqtt.Option
	healthInterval time.Duration

	mu           sync.Mutex
	started      bool
	teardownOnce sync.Once

	catalogMu       sync.Mutex
	catalogLoadedAt time.Time
	catalogErr      error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the root logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRegistry records metrics into registry.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(s *Session) { s.registry = registry }
}

// WithSettingsStore replaces the configured settings store.
func WithSettingsStore(store settings.Store) Option {
	return func(s *Session) { s.settings = store }
}

// WithMQTTOptions passes extra options to the pub/sub adapter.
func WithMQTTOptions(opts ...mqtt.Option) Option {
	return func(s *Session) { s.mqttOpts = append(s.mqttOpts, opts...) }
}

// WithHealthInterval sets how often component health is collected.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.healthInterval = d
		}
	}
}

// New builds every enabled component from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Session", "New", "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		ID:             uuid.NewString(),
		cfg:            cfg,
		logger:         slog.Default(),
		catalog:        sensor.NewCatalog(),
		tracker:        health.NewTracker(nil),
		monitor:        health.NewMonitor(),
		refresh:        rate.NewLimiter(rate.Every(refreshInterval), 1),
		dashboard:      gateway.NewDashboardCache(nil),
		healthInterval: DefaultHealthInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("session_id", s.ID)
	s.metrics = s.registry.CoreMetrics()

	if err := s.build(ctx); err != nil {
		s.Teardown()
		return nil, err
	}
	return s, nil
}

func (s *Session) build(ctx context.Context) error {
	cfg := s.cfg

	client, err := backend.NewClient(cfg.Backend, s.logger)
	if err != nil {
		return err
	}
	s.backend = client

	throttlerOpts := []persist.Option{persist.WithLogger(s.logger)}
	if s.registry != nil {
		throttlerOpts = append(throttlerOpts, persist.WithMetrics(s.registry))
	}
	s.throttler = persist.NewThrottler(client, cfg.Persist, throttlerOpts...)

	s.engine = reconcile.NewEngine(s.catalog,
		reconcile.WithPersister(s.throttler),
		reconcile.WithExtractor(sensor.NewExtractor(cfg.Sensors.Calibration, cfg.Sensors.FieldAliases)),
		reconcile.WithMetrics(s.metrics),
		reconcile.WithLogger(s.logger),
		reconcile.WithQueueSize(cfg.Engine.QueueSize),
		reconcile.WithHistoryCapacity(cfg.History.Capacity),
	)

	if s.settings == nil {
		store, err := openSettings(ctx, cfg.Settings, s.logger)
		if err != nil {
			return err
		}
		s.settings = store
	}

	if cfg.Push.Enabled {
		a, err := push.New(cfg.Push, s.engine,
			push.WithStatusRecorder(s.tracker),
			push.WithDashboardHook(s.dashboard.Store),
			push.WithMetrics(s.metrics),
			push.WithLogger(s.logger))
		if err != nil {
			return err
		}
		s.push = a
		s.parts = append(s.parts, part{name: "push", run: a, reporter: a})
	}

	if cfg.MQTT.Enabled {
		mqttOpts := append([]mqtt.Option{mqtt.WithMetrics(s.metrics), mqtt.WithLogger(s.logger)}, s.mqttOpts...)
		a, err := mqtt.New(cfg.MQTT, s.settings, s.engine, mqttOpts...)
		if err != nil {
			return err
		}
		s.mqtt = a
		s.parts = append(s.parts, part{name: "mqtt", run: a, reporter: a})
	}

	if cfg.Poll.Enabled {
		a, err := poll.New(cfg.Poll, client, s.engine,
			poll.WithPollRecorder(s.tracker),
			poll.WithMetrics(s.metrics),
			poll.WithLogger(s.logger))
		if err != nil {
			return err
		}
		s.poll = a
		s.parts = append(s.parts, part{name: "poll", run: a, reporter: a})
	}

	if cfg.Kafka.Enabled {
		sink, err := kafka.New(cfg.Kafka, kafka.WithMetrics(s.metrics), kafka.WithLogger(s.logger))
		if err != nil {
			return err
		}
		s.kafka = sink
		s.engine.Subscribe(sink.Publish)
		s.parts = append(s.parts, part{name: "kafka", run: sink, reporter: sink})
	}

	if cfg.HTTP.Enabled {
		deps := gateway.Dependencies{
			Readings:     s.engine,
			Connectivity: s.tracker,
			Settings:     s.settings,
			Health:       s.monitor,
			Refresher:    s,
		}
		if s.push != nil {
			deps.Dashboard = s.dashboard
		}
		gw, err := httpgw.NewGateway(cfg.HTTP, deps, httpgw.WithLogger(s.logger))
		if err != nil {
			return err
		}
		s.gateway = gw
		s.parts = append(s.parts, part{name: "http", run: gw, critical: true})
	}

	if cfg.Metrics.Enabled && s.registry != nil {
		srv := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, s.registry)
		s.parts = append(s.parts, part{name: "metrics", run: srv, critical: true})
	}
	return nil
}

func openSettings(ctx context.Context, cfg config.SettingsConfig, logger *slog.Logger) (settings.Store, error) {
	switch cfg.Kind {
	case config.SettingsKindNATS:
		return settings.NewNATSStore(ctx, cfg.NATS, logger)
	default:
		return settings.NewFileStore(cfg.Path)
	}
}

// Run starts every component and blocks until ctx is cancelled or a
// critical component fails. The sensor catalogue loads in the background
// and is retried until it succeeds. An adapter failure is logged and never
// stops the others. Run always tears the session down.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Session", "Run", "start session")
	}
	s.started = true
	s.mu.Unlock()
	defer s.Teardown()

	if err := s.throttler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.engine.Run(gctx) })

	g.Go(func() error {
		s.catalogLoop(gctx)
		return nil
	})

	for _, p := range s.parts {
		p := p
		g.Go(func() error {
			err := p.run.Run(gctx)
			if err == nil || gctx.Err() != nil {
				return nil
			}
			if p.critical {
				return errors.Wrap(err, "Session", "Run", p.name)
			}
			s.logger.Error("component stopped", "component_name", p.name, "error", err)
			return nil
		})
	}

	g.Go(func() error {
		s.monitorLoop(gctx)
		return nil
	})

	s.logger.Info("session started", "components", len(s.parts))
	err := g.Wait()
	s.logger.Info("session stopped", "error", err)
	return err
}

// RefreshSensors reloads the catalogue. Calls closer together than the
// refresh interval are rejected.
func (s *Session) RefreshSensors(ctx context.Context) error {
	if !s.refresh.Allow() {
		return errors.WrapTransient(errors.ErrRateLimited, "Session", "RefreshSensors", "refresh catalogue")
	}
	return s.loadCatalog(ctx)
}

func (s *Session) loadCatalog(ctx context.Context) error {
	err := s.catalog.Refresh(ctx, s.backend)

	s.catalogMu.Lock()
	s.catalogErr = err
	if err == nil {
		s.catalogLoadedAt = time.Now()
	}
	s.catalogMu.Unlock()

	if err != nil {
		return err
	}
	s.logger.Info("sensor catalogue loaded", "sensors", s.catalog.Len())
	return nil
}

// catalogLoop loads the catalogue with backoff until it succeeds, then
// reloads it every refresh interval. Rejected requests are not retried
// until the next refresh.
func (s *Session) catalogLoop(ctx context.Context) {
	cfg := s.cfg.Catalog
	backoff := retry.DefaultConfig()
	backoff.MaxAttempts = 0
	backoff.InitialDelay = cfg.RetryInitial
	backoff.MaxDelay = cfg.RetryMax

	for {
		err := retry.Do(ctx, backoff, func() error {
			err := s.loadCatalog(ctx)
			if err == nil || ctx.Err() != nil {
				return err
			}
			s.logger.Warn("sensor catalogue unavailable, readings are ignored until a load succeeds", "error", err)
			if errors.IsInvalid(err) {
				return retry.NonRetryable(err)
			}
			return err
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Error("sensor catalogue load abandoned", "error", err)
		}

		if cfg.RefreshInterval <= 0 {
			return
		}
		if retry.Sleep(ctx, cfg.RefreshInterval) != nil {
			return
		}
	}
}

// catalogHealth reports whether the catalogue is loaded. A failed reload
// keeps the previous declarations and only degrades.
func (s *Session) catalogHealth() health.Status {
	s.catalogMu.Lock()
	loadedAt, lastErr := s.catalogLoadedAt, s.catalogErr
	s.catalogMu.Unlock()

	var st health.Status
	switch {
	case loadedAt.IsZero() && lastErr != nil:
		st = health.NewUnhealthy(catalogComponent, "catalogue not loaded: "+lastErr.Error())
	case loadedAt.IsZero():
		st = health.NewDegraded(catalogComponent, "catalogue not loaded yet")
	case lastErr != nil:
		st = health.NewDegraded(catalogComponent, "serving previous catalogue: "+lastErr.Error())
	default:
		st = health.NewHealthy(catalogComponent, fmt.Sprintf("%d sensors declared", s.catalog.Len()))
	}
	return st.WithMetrics(&health.Metrics{LastActivity: loadedAt})
}

// monitorLoop publishes component health until ctx is done.
func (s *Session) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		s.collectHealth()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Session) collectHealth() {
	reporters := make(map[string]health.Reporter, len(s.parts))
	for _, p := range s.parts {
		if p.reporter != nil {
			reporters[p.name] = p.reporter
		}
	}
	s.monitor.Collect(reporters)
	s.monitor.UpdateConnectivity(s.tracker.Snapshot())
	s.monitor.Update(catalogComponent, s.catalogHealth())
}

// Health returns the aggregate health of the session.
func (s *Session) Health() health.Status {
	return s.monitor.AggregateHealth(httpgw.SystemName)
}

// Engine returns the reconciliation engine.
func (s *Session) Engine() *reconcile.Engine { return s.engine }

// Tracker returns the connectivity tracker.
func (s *Session) Tracker() *health.Tracker { return s.tracker }

// Throttler returns the persistence throttler.
func (s *Session) Throttler() *persist.Throttler { return s.throttler }

// Settings returns the broker settings store.
func (s *Session) Settings() settings.Store { return s.settings }

// Teardown stops write-back, discards all live state and closes the
// settings store. It is safe to call more than once and on a session that
// never ran.
func (s *Session) Teardown() {
	s.teardownOnce.Do(func() {
		if s.throttler != nil {
			if err := s.throttler.Stop(DefaultStopTimeout); err != nil {
				s.logger.Warn("pending writes abandoned", "error", err)
			}
			s.throttler.Reset()
		}
		if s.engine != nil {
			s.engine.Reset()
		}
		if s.push != nil {
			s.push.Close()
		}
		s.dashboard.Reset()
		s.tracker.Reset()
		s.monitor.Clear()
		if s.settings != nil {
			if err := s.settings.Close(); err != nil {
				s.logger.Warn("failed to close settings store", "error", err)
			}
		}
		s.logger.Info("session torn down")
	})
}
