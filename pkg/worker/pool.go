// Package worker runs queued jobs on a fixed set of goroutines.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppalechor/agrotic-telemetry/metric"
)

// Pool runs process for every submitted job of type T.
// Submit never blocks; a full queue drops the job.
type Pool[T any] struct {
	workers int
	process func(context.Context, T) error
	jobs    chan T
	logger  *slog.Logger

	registry *metric.MetricsRegistry
	prefix   string
	metrics  *poolMetrics

	mu      sync.Mutex
	wg      sync.WaitGroup
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

type poolMetrics struct {
	depth    prometheus.Gauge
	outcomes *prometheus.CounterVec
	duration prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports pool metrics named after prefix.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// WithLogger sets the logger for failed jobs.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 2 workers and
// a queue of 256. It panics on a nil process func.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if process == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		workers: workers,
		process: process,
		jobs:    make(chan T, queueSize),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.prefix != "" {
		p.metrics = p.registerMetrics()
	}
	return p
}

func (p *Pool[T]) registerMetrics() *poolMetrics {
	m := &poolMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: p.prefix + "_queue_depth",
			Help: "Jobs waiting in the queue",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: p.prefix + "_jobs_total",
			Help: "Jobs by outcome: submitted, dropped, succeeded, failed",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    p.prefix + "_job_duration_seconds",
			Help:    "Time spent running a job",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}

	const component = "worker_pool"
	for _, err := range []error{
		p.registry.RegisterGauge(component, p.prefix+"_queue_depth", m.depth),
		p.registry.RegisterCounterVec(component, p.prefix+"_jobs_total", m.outcomes),
		p.registry.RegisterHistogram(component, p.prefix+"_job_duration_seconds", m.duration),
	} {
		if err != nil {
			p.logger.Warn("worker pool metric registration failed", "prefix", p.prefix, "error", err)
		}
	}
	return m
}

func (p *Pool[T]) observe(outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.outcomes.WithLabelValues(outcome).Inc()
	p.metrics.depth.Set(float64(len(p.jobs)))
}

// Submit queues job. It returns ErrQueueFull when the queue is at capacity.
func (p *Pool[T]) Submit(job T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !p.started:
		return ErrPoolNotStarted
	case p.stopped:
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		p.observe("submitted")
		return nil
	default:
		p.dropped.Add(1)
		p.observe("dropped")
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is done or after Stop
// drains the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	p.started = true

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.run(ctx)
	}
	return nil
}

// Stop closes the queue and waits up to timeout for queued jobs to finish.
// Stopping a pool that never started, or twice, is a no-op.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  cap(p.jobs),
		QueueDepth: len(p.jobs),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.runJob(ctx, job)
		}
	}
}

func (p *Pool[T]) runJob(ctx context.Context, job T) {
	start := time.Now()
	err := p.process(ctx, job)
	if p.metrics != nil {
		p.metrics.duration.Observe(time.Since(start).Seconds())
	}

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
		p.observe("failed")
		p.logger.Debug("job failed", "error", err)
		return
	}
	p.observe("succeeded")
}
