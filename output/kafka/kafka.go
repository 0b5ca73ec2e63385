// Package kafka publishes reconciled readings to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/health"
	"github.com/ppalechor/agrotic-telemetry/metric"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

const sinkName = "kafka"

// Defaults for the sink.
const (
	DefaultTopic         = "agrotic.readings"
	DefaultBatchSize     = 100
	DefaultBufferSize    = 1024
	DefaultFlushInterval = time.Second
	DefaultWriteTimeout  = 5 * time.Second
)

// Config holds configuration for the Kafka sink
type Config struct {
	Enabled       bool          `json:"enabled"        yaml:"enabled"`
	Brokers       []string      `json:"brokers"        yaml:"brokers"`
	Topic         string        `json:"topic"          yaml:"topic"`
	BatchSize     int           `json:"batch_size"     yaml:"batch_size"`
	BufferSize    int           `json:"buffer_size"    yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
	WriteTimeout  time.Duration `json:"write_timeout"  yaml:"write_timeout"`
}

// DefaultConfig returns a disabled sink configuration
func DefaultConfig() Config {
	return Config{
		Brokers:       []string{"localhost:9092"},
		Topic:         DefaultTopic,
		BatchSize:     DefaultBatchSize,
		BufferSize:    DefaultBufferSize,
		FlushInterval: DefaultFlushInterval,
		WriteTimeout:  DefaultWriteTimeout,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "kafka topic is required")
	}
	if c.BatchSize < 0 || c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "sizes must not be negative")
	}
	return nil
}

// MessageWriter is the subset of *kafkago.Writer the sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Record is the JSON document published for every applied reading.
type Record struct {
	SensorID   sensor.ID        `json:"sensorId"`
	Value      *float64         `json:"value"`
	Unit       string           `json:"unit"`
	ObservedAt time.Time        `json:"observedAt"`
	Source     reconcile.Source `json:"source"`
}

// Sink buffers reading updates and writes them to Kafka in batches.
// Publish never blocks; updates are dropped when the buffer is full.
type Sink struct {
	cfg     Config
	writer  MessageWriter
	metrics *metric.Metrics
	logger  *slog.Logger

	updates chan reconcile.Update
	running atomic.Bool

	published atomic.Int64
	dropped   atomic.Int64

	mu       sync.Mutex
	lastErr  error
	errCount int
	lastSent time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithWriter replaces the kafka-go writer.
func WithWriter(w MessageWriter) Option {
	return func(s *Sink) {
		if w != nil {
			s.writer = w
		}
	}
}

// WithMetrics records sink errors.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// WithLogger sets the sink logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a sink writing to cfg.Topic.
func New(cfg Config, opts ...Option) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	s := &Sink{
		cfg:     cfg,
		logger:  slog.Default(),
		updates: make(chan reconcile.Update, cfg.BufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.writer == nil {
		s.writer = &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireOne,
			BatchSize:    cfg.BatchSize,
		}
	}
	s.logger = s.logger.With("component", sinkName)
	return s, nil
}

// Publish queues an update without blocking. It has the signature of an
// engine subscriber.
func (s *Sink) Publish(u reconcile.Update) {
	select {
	case s.updates <- u:
	default:
		s.dropped.Add(1)
		s.metrics.RecordError(sinkName, "buffer_full")
	}
}

// Run writes queued updates until ctx is cancelled, then flushes what is
// left and closes the writer.
func (s *Sink) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Sink", "Run", "start sink")
	}
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]kafkago.Message, 0, s.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = s.drain(batch)
			s.flush(context.Background(), batch)
			if err := s.writer.Close(); err != nil {
				s.logger.Warn("failed to close kafka writer", "error", err)
			}
			return nil
		case u := <-s.updates:
			if msg, ok := s.encode(u); ok {
				batch = append(batch, msg)
			}
			if len(batch) >= s.cfg.BatchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			s.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// Health reports the sink's health.
func (s *Sink) Health() health.Status {
	s.mu.Lock()
	lastErr, errCount, lastSent := s.lastErr, s.errCount, s.lastSent
	s.mu.Unlock()

	st := health.NewHealthy(sinkName, "publishing")
	if lastErr != nil {
		st = health.NewDegraded(sinkName, "last write failed")
	}
	return st.WithMetrics(&health.Metrics{
		ErrorCount:       errCount,
		PayloadsReceived: s.published.Load(),
		LastActivity:     lastSent,
	})
}

// Dropped returns the number of updates discarded because the buffer was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Sink) drain(batch []kafkago.Message) []kafkago.Message {
	for {
		select {
		case u := <-s.updates:
			if msg, ok := s.encode(u); ok {
				batch = append(batch, msg)
			}
		default:
			return batch
		}
	}
}

func (s *Sink) encode(u reconcile.Update) (kafkago.Message, bool) {
	body, err := json.Marshal(Record{
		SensorID:   u.SensorID,
		Value:      u.Reading.Value,
		Unit:       u.Reading.Unit,
		ObservedAt: u.Reading.ObservedAt,
		Source:     u.Reading.Source,
	})
	if err != nil {
		s.recordError("encode_error", err)
		return kafkago.Message{}, false
	}
	return kafkago.Message{Key: []byte(u.SensorID), Value: body, Time: u.Reading.ObservedAt}, true
}

// flush writes batch; failed batches are logged and dropped.
func (s *Sink) flush(ctx context.Context, batch []kafkago.Message) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()

	if err := s.writer.WriteMessages(ctx, batch...); err != nil {
		s.recordError("write_error", err)
		s.logger.Warn("kafka write failed", "topic", s.cfg.Topic, "messages", len(batch), "error", err)
		return
	}
	s.published.Add(int64(len(batch)))
	s.mu.Lock()
	s.lastErr = nil
	s.lastSent = time.Now()
	s.mu.Unlock()
}

func (s *Sink) recordError(errType string, err error) {
	s.metrics.RecordError(sinkName, errType)
	s.mu.Lock()
	s.lastErr = err
	s.errCount++
	s.mu.Unlock()
}
