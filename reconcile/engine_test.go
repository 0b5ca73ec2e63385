package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppalechor/agrotic-telemetry/errors"
	"github.com/ppalechor/agrotic-telemetry/metric"
	"github.com/ppalechor/agrotic-telemetry/persist"
	"github.com/ppalechor/agrotic-telemetry/sensor"
)

type offer struct {
	id    sensor.ID
	value float64
	unit  string
}

type recordingPersister struct {
	mu     sync.Mutex
	offers []offer
}

func (p *recordingPersister) Offer(id sensor.ID, value float64, unit string) {
	p.mu.Lock()
	p.offers = append(p.offers, offer{id, value, unit})
	p.mu.Unlock()
}

func (p *recordingPersister) all() []offer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]offer(nil), p.offers...)
}

type fixedPresence bool

func (f fixedPresence) SensorOnline(sensor.ID, time.Time) bool { return bool(f) }

func ptr(v float64) *float64 { return &v }

func testCatalog() *sensor.Catalog {
	return sensor.NewCatalog(
		sensor.Sensor{ID: "1", Type: "Temperatura", Unit: "°C", Min: ptr(10), Max: ptr(30), LotID: "L1"},
		sensor.Sensor{ID: "2", Type: "Humedad Suelo", Min: ptr(20), Max: ptr(80)},
		sensor.Sensor{ID: "3", Type: "Luminosidad"},
	)
}

func newTestEngine(p Persister, opts ...Option) *Engine {
	clock := func() time.Time { return t0 }
	opts = append([]Option{WithPersister(p), WithClock(clock)}, opts...)
	return NewEngine(testCatalog(), opts...)
}

func TestEngine_ThreeSourcesLastWriteWins(t *testing.T) {
	p := &recordingPersister{}
	e := newTestEngine(p)

	e.process(Envelope{SensorID: "1", Payload: sensor.Payload{"value": 10.0}, Source: SourcePush})
	e.process(Envelope{Payload: sensor.Payload{"temperatura": 12.0}, Source: SourceMQTT})
	e.process(Envelope{SensorID: "1", Payload: sensor.Payload{"value": "11", "unit": "°C"}, Source: SourcePoll})

	r, ok := e.Store().Reading("1")
	require.True(t, ok)
	assert.Equal(t, 11.0, *r.Value)
	assert.Equal(t, SourcePoll, r.Source)
	assert.Equal(t, "°C", r.Unit)
	assert.Equal(t, []float64{10, 12, 11}, e.Store().History("1"))

	offers := p.all()
	require.Len(t, offers, 3)
	assert.Equal(t, offer{"1", 11, "°C"}, offers[2])
}

func TestEngine_BroadcastUpdatesEveryMatchingSensor(t *testing.T) {
	e := newTestEngine(nil)

	n := e.process(Envelope{
		Payload: sensor.Payload{"temperatura": 24.5, "humedad_suelo_adc": 4095.0, "luminosidad": 800},
		Source:  SourceMQTT,
	})
	assert.Equal(t, 3, n)

	r, _ := e.Store().Reading("2")
	assert.Equal(t, 0.0, *r.Value)
	r, _ = e.Store().Reading("3")
	assert.Equal(t, 800.0, *r.Value)
}

func TestEngine_TargetedFallsBackToTypedExtraction(t *testing.T) {
	e := newTestEngine(nil)

	n := e.process(Envelope{SensorID: "2", Payload: sensor.Payload{"humedad_suelo_adc": 0}, Source: SourcePush})
	require.Equal(t, 1, n)

	r, _ := e.Store().Reading("2")
	assert.Equal(t, 100.0, *r.Value)
}

func TestEngine_UnitFromPayloadWhenUndeclared(t *testing.T) {
	e := newTestEngine(nil)

	e.process(Envelope{SensorID: "3", Payload: sensor.Payload{"value": 1, "unit": "lx"}, Source: SourcePoll})
	e.process(Envelope{SensorID: "3", Payload: sensor.Payload{"value": 2, "unit": "lux"}, Source: SourcePoll})

	r, _ := e.Store().Reading("3")
	assert.Equal(t, "lx", r.Unit)
}

func TestEngine_IgnoredPayloads(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	p := &recordingPersister{}
	e := newTestEngine(p, WithMetrics(registry.CoreMetrics()))

	assert.Equal(t, 0, e.process(Envelope{SensorID: "99", Payload: sensor.Payload{"value": 1}, Source: SourcePoll}))
	assert.Equal(t, 0, e.process(Envelope{SensorID: "1", Payload: sensor.Payload{"value": "n/a"}, Source: SourcePoll}))
	assert.Equal(t, 0, e.process(Envelope{Payload: sensor.Payload{"pressure": 1013}, Source: SourceMQTT}))

	assert.Equal(t, 0, e.Store().Len(), "no reading without a finite value")
	assert.Empty(t, p.all())

	ignored := registry.CoreMetrics().ReadingsIgnored
	assert.Equal(t, 1.0, testutil.ToFloat64(ignored.WithLabelValues("poll", ReasonUnknownSensor)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ignored.WithLabelValues("poll", ReasonNoValue)))
	assert.Equal(t, 1.0, testutil.ToFloat64(ignored.WithLabelValues("mqtt", ReasonNoValue)))
}

func TestEngine_SubscribersSeeAppliedReadings(t *testing.T) {
	e := newTestEngine(nil)

	var got []Update
	e.Subscribe(func(u Update) { got = append(got, u) })

	e.process(Envelope{SensorID: "1", Payload: sensor.Payload{"value": 15}, Source: SourcePush})

	require.Len(t, got, 1)
	assert.Equal(t, sensor.ID("1"), got[0].SensorID)
	assert.Equal(t, 15.0, *got[0].Reading.Value)
	assert.Equal(t, t0, got[0].Reading.ObservedAt)
}

func TestEngine_RunAppliesSubmittedEnvelopes(t *testing.T) {
	e := newTestEngine(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, e.running.Load, time.Second, 5*time.Millisecond)
	err := e.Run(ctx)
	assert.True(t, errors.IsInvalid(err), "second loop rejected")

	for _, v := range []float64{1, 2, 3} {
		require.NoError(t, e.Submit(Envelope{SensorID: "3", Payload: sensor.Payload{"value": v}, Source: SourcePush}))
	}

	require.Eventually(t, func() bool {
		return len(e.Store().History("3")) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []float64{1, 2, 3}, e.Store().History("3"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestEngine_SubmitQueueFull(t *testing.T) {
	e := newTestEngine(nil, WithQueueSize(1))

	require.NoError(t, e.Submit(Envelope{SensorID: "1", Source: SourcePush}))
	err := e.Submit(Envelope{SensorID: "1", Source: SourcePush})
	assert.ErrorIs(t, err, errors.ErrQueueFull)
	assert.True(t, errors.IsTransient(err))

	e.Reset()
	assert.NoError(t, e.Submit(Envelope{SensorID: "1", Source: SourcePush}))
}

func TestEngine_ResetDiscardsState(t *testing.T) {
	e := newTestEngine(nil)
	e.process(Envelope{SensorID: "1", Payload: sensor.Payload{"value": 15}, Source: SourcePush})

	e.Reset()

	assert.Equal(t, 0, e.Store().Len())
	assert.Empty(t, e.Store().History("1"))
}

func TestEngine_Views(t *testing.T) {
	e := newTestEngine(nil)
	e.process(Envelope{SensorID: "1", Payload: sensor.Payload{"value": 35}, Source: SourcePush})

	views := e.Views(fixedPresence(true))
	require.Len(t, views, 3)
	assert.Equal(t, sensor.ID("1"), views[0].Sensor.ID)
	assert.Equal(t, sensor.StatusCritical, views[0].Status)
	assert.True(t, views[0].Online)
	assert.Nil(t, views[1].Reading)
	assert.Equal(t, sensor.StatusUnknown, views[1].Status)

	v, ok := e.View("1", nil)
	require.True(t, ok)
	assert.False(t, v.Online)
	assert.Equal(t, 35.0, *v.Reading.Value)

	_, ok = e.View("404", nil)
	assert.False(t, ok)
}

type countingWriter struct {
	mu     sync.Mutex
	writes []offer
}

func (w *countingWriter) RecordReading(_ context.Context, id sensor.ID, value float64, unit, _ string) error {
	w.mu.Lock()
	w.writes = append(w.writes, offer{id, value, unit})
	w.mu.Unlock()
	return nil
}

func (w *countingWriter) all() []offer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]offer(nil), w.writes...)
}

func TestEngine_RepeatedReadingPersistedOnce(t *testing.T) {
	w := &countingWriter{}
	throttler := persist.NewThrottler(w, persist.DefaultConfig())
	require.NoError(t, throttler.Start(context.Background()))

	e := newTestEngine(throttler)
	env := Envelope{SensorID: "1", Payload: sensor.Payload{"value": 22.0, "unit": "°C"}, Source: SourcePoll}

	e.process(env)
	require.Eventually(t, func() bool { return len(w.all()) == 1 }, time.Second, 5*time.Millisecond)
	e.process(env)
	require.NoError(t, throttler.Stop(time.Second))

	assert.Equal(t, []offer{{"1", 22, "°C"}}, w.all())

	r, ok := e.Store().Reading("1")
	require.True(t, ok)
	assert.Equal(t, 22.0, *r.Value)
	assert.Equal(t, []float64{22, 22}, e.Store().History("1"))
}
