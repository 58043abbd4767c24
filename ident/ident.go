// Package ident provides the local manager's identity: its Analyzer record,
// the monotonic ident generator for locally originated messages and the
// heartbeat emitter.
package ident

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/alertbus/idmef"
)

// Fixed fields of the local Analyzer record
const (
	Model        = "alertbus"
	Class        = "Manager"
	Manufacturer = "C360 Studio"
)

// Config describes the local manager
type Config struct {
	Name       string
	AnalyzerID string // empty generates a random ID for this process
	Version    string
}

// Provider supplies the local Analyzer record and message idents. The
// record is built once and must be treated as read-only by every holder.
type Provider struct {
	local *idmef.Analyzer
	next  atomic.Uint64
	now   func() time.Time
}

// Option configures a Provider
type Option func(*Provider)

// WithClock replaces time.Now for heartbeat timestamps and the ident seed
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// New builds the local record. Idents start from the current time in
// microseconds so they keep increasing across restarts of a host whose
// clock does not go backwards.
func New(cfg Config, opts ...Option) *Provider {
	p := &Provider{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}

	analyzerID := cfg.AnalyzerID
	if analyzerID == "" {
		analyzerID = uuid.NewString()
	}
	hostname, _ := os.Hostname()

	p.local = &idmef.Analyzer{
		AnalyzerID:   analyzerID,
		Name:         cfg.Name,
		Manufacturer: Manufacturer,
		Model:        Model,
		Version:      cfg.Version,
		Class:        Class,
		OSType:       runtime.GOOS,
	}
	if hostname != "" {
		p.local.Node = &idmef.Node{Name: hostname}
	}
	p.next.Store(uint64(p.now().UnixMicro()))
	return p
}

// Local returns the shared local record
func (p *Provider) Local() *idmef.Analyzer {
	return p.local
}

// Next returns a new ident, strictly greater than every earlier one
func (p *Provider) Next() uint64 {
	return p.next.Add(1)
}

// Heartbeat builds a heartbeat originated by the local manager
func (p *Provider) Heartbeat(interval time.Duration) *idmef.Message {
	now := idmef.NewTime(p.now())
	msg := idmef.New()
	_ = msg.SetHeartbeat(&idmef.Heartbeat{
		MessageID:         idmef.IdentUint(p.Next()),
		Analyzer:          p.local,
		CreateTime:        now,
		AnalyzerTime:      now,
		HeartbeatInterval: uint32(interval / time.Second),
	})
	return msg
}

// Enqueuer accepts finished messages. *scheduler.Scheduler implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, producer string, msg *idmef.Message) error
}

// Producer is the scheduler producer name of locally originated messages
const Producer = "local"

// Emitter enqueues a local heartbeat every interval
type Emitter struct {
	provider *Provider
	interval time.Duration
	target   Enqueuer
	logger   *slog.Logger
	sent     atomic.Int64
}

// NewEmitter creates a heartbeat emitter
func NewEmitter(provider *Provider, interval time.Duration, target Enqueuer, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		provider: provider,
		interval: interval,
		target:   target,
		logger:   logger.With("component", "heartbeat"),
	}
}

// Run emits one heartbeat at once and then one per interval until ctx is
// done. A heartbeat the scheduler refuses is logged and skipped; the next
// tick sends a fresh one.
func (e *Emitter) Run(ctx context.Context) {
	if e.interval <= 0 {
		return
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.emit(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emit(ctx)
		}
	}
}

func (e *Emitter) emit(ctx context.Context) {
	msg := e.provider.Heartbeat(e.interval)
	if err := e.target.Enqueue(ctx, Producer, msg); err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("Local heartbeat not queued", "message", msg.Ident(), "error", err)
		}
		return
	}
	e.sent.Add(1)
	e.logger.Debug("Local heartbeat queued", "message", msg.Ident())
}

// Sent returns the number of heartbeats queued
func (e *Emitter) Sent() int64 {
	return e.sent.Load()
}
