// Package report defines report sinks and the set that dispatches finished
// messages to them.
//
// A Set is an arena of sink instances addressed by Handle. Each instance is
// gated by its own filter chain. Dispatch runs every instance whose chain
// matches; a failing sink is logged and never stops the others. Close
// releases every instance exactly once and must only be called once no
// Dispatch can still be running.
package report

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/filter"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/metric"
)

// Sink consumes finished messages. Run may be called concurrently from
// several scheduler workers and must treat msg as read-only. Close is called
// once, after the last Run has returned.
type Sink interface {
	Name() string
	Run(ctx context.Context, msg *idmef.Message) error
	Close() error
}

// Handle addresses one sink instance inside a Set
type Handle int

// Result summarizes one dispatch
type Result struct {
	Ran     int
	Skipped int
	Failed  []*errors.SinkError
}

// OK reports whether no sink failed
func (r Result) OK() bool {
	return len(r.Failed) == 0
}

// Option configures a Set
type Option func(*Set)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSinkTimeout bounds each Run through its context. Zero disables it.
func WithSinkTimeout(timeout time.Duration) Option {
	return func(s *Set) {
		s.sinkTimeout = timeout
	}
}

// WithMetrics records sink runs in the registry. Nil disables it.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Set) {
		s.metrics = registry.CoreMetrics()
	}
}

type instance struct {
	sink  Sink
	chain filter.Chain
}

// Set owns the activated sink instances
type Set struct {
	mu          sync.RWMutex
	instances   []instance
	logger      *slog.Logger
	sinkTimeout time.Duration
	metrics     *metric.Metrics
	closed      atomic.Bool
}

// NewSet creates an empty set
func NewSet(opts ...Option) *Set {
	s := &Set{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "report")
	return s
}

// Add registers an instance with its filter chain. Sink names must be
// unique within the set.
func (s *Set) Add(sink Sink, chain filter.Chain) (Handle, error) {
	if sink == nil {
		return -1, errors.NewConfigurationError("report", fmt.Errorf("%w: nil sink", errors.ErrInvalidConfig))
	}
	if s.closed.Load() {
		return -1, errors.WrapFatal(errors.ErrShuttingDown, "Set", "Add", "set state check")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, inst := range s.instances {
		if inst.sink.Name() == sink.Name() {
			return -1, errors.NewConfigurationError(sink.Name(),
				fmt.Errorf("duplicate report name: %w", errors.ErrConflict))
		}
	}

	s.instances = append(s.instances, instance{sink: sink, chain: chain})
	return Handle(len(s.instances) - 1), nil
}

// Sink returns the instance behind h
func (s *Set) Sink(h Handle) (Sink, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h < 0 || int(h) >= len(s.instances) {
		return nil, false
	}
	return s.instances[h].sink, true
}

// Len returns the number of instances
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// Names returns sink names in handle order
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.instances))
	for _, inst := range s.instances {
		names = append(names, inst.sink.Name())
	}
	return names
}

// Dispatch runs msg through every instance in handle order. An instance
// whose filter chain rejects msg is skipped without calling Run.
func (s *Set) Dispatch(ctx context.Context, msg *idmef.Message) Result {
	var result Result
	if s.closed.Load() {
		s.logger.Warn("Dispatch after close, message not reported", "message", msg.Ident())
		return result
	}

	s.mu.RLock()
	instances := s.instances
	s.mu.RUnlock()

	for _, inst := range instances {
		if !s.shouldRun(inst, msg) {
			result.Skipped++
			continue
		}
		result.Ran++
		if err := s.run(ctx, inst.sink, msg); err != nil {
			serr := &errors.SinkError{Sink: inst.sink.Name(), Message: msg.Ident(), Err: err}
			result.Failed = append(result.Failed, serr)
			s.logger.Error("Report sink failed, continuing with remaining sinks",
				"sink", serr.Sink,
				"message", serr.Message,
				"error", err)
		}
	}
	return result
}

// shouldRun evaluates inst's filter chain. A panicking filter skips the
// instance for this message.
func (s *Set) shouldRun(inst instance, msg *idmef.Message) (run bool) {
	defer func() {
		if r := recover(); r != nil {
			run = false
			s.logger.Error("Report filter panicked, sink skipped",
				"sink", inst.sink.Name(),
				"message", msg.Ident(),
				"panic", fmt.Sprint(r))
		}
	}()
	return inst.chain.ShouldRun(msg)
}

func (s *Set) run(ctx context.Context, sink Sink, msg *idmef.Message) (err error) {
	if s.sinkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.sinkTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
		if s.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			s.metrics.RecordSinkRun(sink.Name(), status, time.Since(start))
		}
	}()

	err = sink.Run(ctx, msg)
	if err == nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		s.logger.Warn("Report sink exceeded its timeout", "sink", sink.Name(), "timeout", s.sinkTimeout)
	}
	return err
}

// Close releases every instance exactly once. Later calls return nil.
func (s *Set) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	instances := s.instances
	s.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := inst.sink.Close(); err != nil {
			s.logger.Error("Failed to close report sink", "sink", inst.sink.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", inst.sink.Name(), err))
			continue
		}
		s.logger.Debug("Closed report sink", "sink", inst.sink.Name())
	}
	return stderrors.Join(errs...)
}
