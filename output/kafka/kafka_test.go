package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/reconcile"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func (w *fakeWriter) written() []kafkago.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafkago.Message(nil), w.msgs...)
}

func update(id string, v float64) reconcile.Update {
	return reconcile.Update{
		SensorID: sensor.ID(id),
		Reading: reconcile.LiveReading{
			Value:      &v,
			Unit:       "%",
			ObservedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
			Source:     reconcile.SourceMQTT,
		},
	}
}

func enabledConfig() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	return cfg
}

func TestSink_PublishesBatchOnSize(t *testing.T) {
	w := &fakeWriter{}
	cfg := enabledConfig()
	cfg.BatchSize = 2
	cfg.FlushInterval = time.Hour
	s, err := New(cfg, WithWriter(w))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.Publish(update("7", 55.5))
	s.Publish(update("8", 12))

	require.Eventually(t, func() bool { return len(w.written()) == 2 }, time.Second, 5*time.Millisecond)

	msg := w.written()[0]
	assert.Equal(t, []byte("7"), msg.Key)
	var rec Record
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	assert.Equal(t, sensor.ID("7"), rec.SensorID)
	require.NotNil(t, rec.Value)
	assert.Equal(t, 55.5, *rec.Value)
	assert.Equal(t, "%", rec.Unit)
	assert.Equal(t, reconcile.SourceMQTT, rec.Source)
	assert.True(t, s.Health().IsHealthy())
}

func TestSink_FlushesRemainderOnStop(t *testing.T) {
	w := &fakeWriter{}
	cfg := enabledConfig()
	cfg.FlushInterval = time.Hour
	s, err := New(cfg, WithWriter(w))
	require.NoError(t, err)

	s.Publish(update("1", 1))
	s.Publish(update("2", 2))
	s.Publish(update("3", 3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	assert.Len(t, w.written(), 3)
	w.mu.Lock()
	assert.True(t, w.closed)
	w.mu.Unlock()
}

func TestSink_PublishNeverBlocks(t *testing.T) {
	cfg := enabledConfig()
	cfg.BufferSize = 2
	s, err := New(cfg, WithWriter(&fakeWriter{}))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			s.Publish(update("1", float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Equal(t, int64(3), s.Dropped())
}

func TestSink_WriteFailureDegrades(t *testing.T) {
	w := &fakeWriter{err: errors.WrapTransient(errors.ErrConnectionLost, "Writer", "WriteMessages", "write")}
	cfg := enabledConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	s, err := New(cfg, WithWriter(w))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.Publish(update("1", 1))
	require.Eventually(t, func() bool { return s.Health().IsDegraded() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Health().Metrics.ErrorCount)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.Enabled = true
	cfg.Brokers = nil
	assert.True(t, errors.IsInvalid(cfg.Validate()))

	cfg = enabledConfig()
	cfg.Topic = ""
	assert.True(t, errors.IsInvalid(cfg.Validate()))
}
