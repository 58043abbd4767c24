// Package scheduler decouples message arrival from report dispatch.
//
// Producers (one per sensor connection) enqueue finished messages; worker
// goroutines take them off the queue and run them through the report set.
// The queue is split into shards and every producer is pinned to one shard
// served by exactly one worker, so messages from one producer are dispatched
// in enqueue order while producers on different shards proceed in parallel.
//
// Each entry moves Enqueued -> Dispatching -> Completed or Failed. A full
// shard makes Enqueue wait up to EnqueueTimeout and then return
// ErrBackpressure; nothing is dropped silently. Stop drains every queued
// entry, or after its timeout cancels dispatch and drops what is left,
// logging each dropped entry. Sinks are closed only after all workers exit.
package scheduler

import (
	"context"
	stderrors "errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/metric"
	"github.com/c360/alertbus/report"
)

// Sentinel errors for scheduler operations
var (
	// ErrBackpressure indicates the producer's shard stayed full for EnqueueTimeout
	ErrBackpressure = stderrors.New("scheduler queue full")

	// ErrStopped indicates shutdown has begun
	ErrStopped = stderrors.New("scheduler stopped")

	// ErrStopTimeout indicates the queue could not be drained in time
	ErrStopTimeout = stderrors.New("timeout draining scheduler queue")
)

// Target is where entries are dispatched. *report.Set implements it.
type Target interface {
	Dispatch(ctx context.Context, msg *idmef.Message) report.Result
	Close() error
}

// Config holds scheduler settings
type Config struct {
	Workers        int           `json:"workers"`
	QueueSize      int           `json:"queue_size"`
	EnqueueTimeout time.Duration `json:"enqueue_timeout"`
}

// DefaultConfig returns the default scheduler settings
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		QueueSize:      1024,
		EnqueueTimeout: 5 * time.Second,
	}
}

// Stats represents scheduler statistics
type Stats struct {
	Workers      int    `json:"workers"`
	QueueSize    int    `json:"queue_size"`
	QueueDepth   int    `json:"queue_depth"`
	Enqueued     uint64 `json:"enqueued"`
	Completed    uint64 `json:"completed"`
	Failed       uint64 `json:"failed"`
	Dropped      uint64 `json:"dropped"`
	Backpressure uint64 `json:"backpressure"`
}

type entry struct {
	msg        *idmef.Message
	producer   string
	seq        uint64
	enqueuedAt time.Time
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRegistry registers scheduler metrics. Nil disables them.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(s *Scheduler) {
		s.metricsRegistry = registry
	}
}

// Scheduler owns the dispatch queue and its workers
type Scheduler struct {
	cfg    Config
	target Target
	logger *slog.Logger

	shards []chan entry
	wg     sync.WaitGroup

	// dispatch context, cancelled on forced shutdown
	ctx    context.Context
	cancel context.CancelFunc

	// Lifecycle management. Enqueue holds the read lock while sending so
	// Stop never closes a shard under a pending send.
	lifecycleMu sync.RWMutex
	started     bool
	stopped     bool
	discard     atomic.Bool

	seq          atomic.Uint64
	enqueued     atomic.Uint64
	completed    atomic.Uint64
	failed       atomic.Uint64
	dropped      atomic.Uint64
	backpressure atomic.Uint64

	metricsRegistry *metric.MetricsRegistry
	metrics         *schedulerMetrics
}

type schedulerMetrics struct {
	queueDepth   prometheus.Gauge
	enqueued     prometheus.Counter
	completed    prometheus.Counter
	failed       prometheus.Counter
	dropped      prometheus.Counter
	backpressure prometheus.Counter
	dispatchTime *prometheus.HistogramVec
}

// New creates a scheduler dispatching to target
func New(cfg Config, target Target, opts ...Option) *Scheduler {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaults.EnqueueTimeout
	}

	s := &Scheduler{
		cfg:    cfg,
		target: target,
		logger: slog.Default(),
		shards: make([]chan entry, cfg.Workers),
	}
	// Every shard gets an equal share of the total queue size
	perShard := cfg.QueueSize / cfg.Workers
	if perShard < 1 {
		perShard = 1
	}
	for i := range s.shards {
		s.shards[i] = make(chan entry, perShard)
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")

	if s.metricsRegistry != nil {
		s.initializeMetrics()
	}
	return s
}

func (s *Scheduler) initializeMetrics() {
	m := &schedulerMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertbus_scheduler_queue_depth",
			Help: "Entries waiting for dispatch",
		}),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertbus_scheduler_enqueued_total",
			Help: "Total entries accepted",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertbus_scheduler_completed_total",
			Help: "Entries dispatched with every sink succeeding",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertbus_scheduler_failed_total",
			Help: "Entries dispatched with at least one sink failing",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertbus_scheduler_dropped_total",
			Help: "Entries discarded by a forced shutdown",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alertbus_scheduler_backpressure_total",
			Help: "Enqueue attempts rejected after waiting on a full shard",
		}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alertbus_scheduler_dispatch_duration_seconds",
			Help:    "Time spent dispatching one entry to all sinks",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		}, []string{"status"}),
	}

	const service = "scheduler"
	errs := []error{
		s.metricsRegistry.RegisterGauge(service, "queue_depth", m.queueDepth),
		s.metricsRegistry.RegisterCounter(service, "enqueued_total", m.enqueued),
		s.metricsRegistry.RegisterCounter(service, "completed_total", m.completed),
		s.metricsRegistry.RegisterCounter(service, "failed_total", m.failed),
		s.metricsRegistry.RegisterCounter(service, "dropped_total", m.dropped),
		s.metricsRegistry.RegisterCounter(service, "backpressure_total", m.backpressure),
		s.metricsRegistry.RegisterHistogramVec(service, "dispatch_duration_seconds", m.dispatchTime),
	}
	if err := stderrors.Join(errs...); err != nil {
		s.logger.Warn("Scheduler metrics not fully registered", "error", err)
	}
	s.metrics = m
}

// Start launches one worker per shard
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Scheduler", "Start", "state check")
	}

	// Dispatch outlives ctx so a cancelled parent still drains
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := range s.shards {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("Scheduler started",
		"workers", s.cfg.Workers,
		"queue_size", s.cfg.QueueSize,
		"enqueue_timeout", s.cfg.EnqueueTimeout)
	return nil
}

// Enqueue queues msg for dispatch on the producer's shard. It waits up to
// EnqueueTimeout for room and then returns ErrBackpressure; the caller keeps
// ownership of msg and may retry. After Stop it returns ErrStopped.
func (s *Scheduler) Enqueue(ctx context.Context, producer string, msg *idmef.Message) error {
	s.lifecycleMu.RLock()
	defer s.lifecycleMu.RUnlock()

	if !s.started {
		return errors.ErrNotStarted
	}
	if s.stopped {
		return ErrStopped
	}

	e := entry{msg: msg, producer: producer, seq: s.seq.Add(1), enqueuedAt: time.Now()}
	shard := s.shards[s.shardFor(producer)]

	select {
	case shard <- e:
		s.accepted()
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case shard <- e:
		s.accepted()
		return nil
	case <-timer.C:
		s.backpressure.Add(1)
		if s.metrics != nil {
			s.metrics.backpressure.Inc()
		}
		return ErrBackpressure
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) accepted() {
	s.enqueued.Add(1)
	if s.metrics != nil {
		s.metrics.enqueued.Inc()
		s.metrics.queueDepth.Inc()
	}
}

func (s *Scheduler) shardFor(producer string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(producer))
	return int(h.Sum32() % uint32(len(s.shards)))
}

// worker serves one shard until it is closed and empty
func (s *Scheduler) worker(shard int) {
	defer s.wg.Done()

	for e := range s.shards[shard] {
		if s.metrics != nil {
			s.metrics.queueDepth.Dec()
		}
		if s.discard.Load() {
			s.drop(e)
			continue
		}
		s.dispatch(e)
	}
}

func (s *Scheduler) dispatch(e entry) {
	start := time.Now()
	result := s.target.Dispatch(s.ctx, e.msg)
	duration := time.Since(start)

	status := "completed"
	if result.OK() {
		s.completed.Add(1)
	} else {
		status = "failed"
		s.failed.Add(1)
	}

	if s.metrics != nil {
		if result.OK() {
			s.metrics.completed.Inc()
		} else {
			s.metrics.failed.Inc()
		}
		s.metrics.dispatchTime.WithLabelValues(status).Observe(duration.Seconds())
	}

	s.logger.Debug("Dispatched message",
		"message", e.msg.Ident(),
		"producer", e.producer,
		"seq", e.seq,
		"status", status,
		"ran", result.Ran,
		"skipped", result.Skipped,
		"queued_for", start.Sub(e.enqueuedAt),
		"duration", duration)
}

func (s *Scheduler) drop(e entry) {
	s.dropped.Add(1)
	if s.metrics != nil {
		s.metrics.dropped.Inc()
	}
	s.logger.Warn("Dropped queued message on forced shutdown",
		"message", e.msg.Ident(),
		"producer", e.producer,
		"seq", e.seq)
}

// Stop stops accepting entries and drains the queue. If draining takes
// longer than timeout, in-flight dispatch is cancelled, the remaining
// entries are dropped and ErrStopTimeout is returned. The target is closed
// once every worker has exited.
func (s *Scheduler) Stop(timeout time.Duration) (Stats, error) {
	s.lifecycleMu.Lock()
	if !s.started || s.stopped {
		s.lifecycleMu.Unlock()
		return s.Stats(), nil
	}
	s.stopped = true
	for _, shard := range s.shards {
		close(shard)
	}
	s.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var stopErr error
	select {
	case <-done:
		s.logger.Info("Scheduler drained", "completed", s.completed.Load(), "failed", s.failed.Load())
	case <-timer.C:
		s.logger.Warn("Scheduler drain timed out, discarding remaining entries",
			"timeout", timeout,
			"queue_depth", s.depth())
		s.discard.Store(true)
		s.cancel()
		stopErr = ErrStopTimeout

		// Workers only finish the entry in flight; a sink ignoring its
		// context keeps the target open.
		grace := time.NewTimer(timeout)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			s.logger.Error("Workers still blocked in report sinks, leaving sinks open")
			return s.Stats(), errors.WrapFatal(ErrStopTimeout, "Scheduler", "Stop", "wait for workers")
		}
	}

	s.cancel()
	if s.target != nil {
		if err := s.target.Close(); err != nil {
			s.logger.Error("Failed to close report sinks", "error", err)
			if stopErr == nil {
				stopErr = errors.Wrap(err, "Scheduler", "Stop", "close sinks")
			}
		}
	}

	stats := s.Stats()
	s.logger.Info("Scheduler stopped",
		"enqueued", stats.Enqueued,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"dropped", stats.Dropped)
	return stats, stopErr
}

func (s *Scheduler) depth() int {
	depth := 0
	for _, shard := range s.shards {
		depth += len(shard)
	}
	return depth
}

// Stats returns current scheduler statistics
func (s *Scheduler) Stats() Stats {
	return Stats{
		Workers:      s.cfg.Workers,
		QueueSize:    s.cfg.QueueSize,
		QueueDepth:   s.depth(),
		Enqueued:     s.enqueued.Load(),
		Completed:    s.completed.Load(),
		Failed:       s.failed.Load(),
		Dropped:      s.dropped.Load(),
		Backpressure: s.backpressure.Load(),
	}
}
