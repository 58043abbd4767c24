// Package manager owns every piece of lifecycle state of a running manager
// process and the restart loop around it.
package manager

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/alertbus/config"
	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/health"
	"github.com/c360/alertbus/ident"
	"github.com/c360/alertbus/metric"
	"github.com/c360/alertbus/natsclient"
	"github.com/c360/alertbus/normalize"
	"github.com/c360/alertbus/pkg/retry"
	"github.com/c360/alertbus/pkg/tlsutil"
	"github.com/c360/alertbus/plugin"
	"github.com/c360/alertbus/plugin/builtin"
	"github.com/c360/alertbus/report"
	"github.com/c360/alertbus/scheduler"
	"github.com/c360/alertbus/server"
)

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithVersion sets the version reported in the local analyzer record
func WithVersion(version string) Option {
	return func(m *Manager) {
		m.version = version
	}
}

// WithPlugins replaces the built-in plugin registry
func WithPlugins(registry *plugin.Registry) Option {
	return func(m *Manager) {
		m.plugins = registry
	}
}

// Manager is one configured instance: listener, scheduler, sinks and the
// services they depend on
type Manager struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string
	plugins *plugin.Registry

	metrics       *metric.MetricsRegistry
	metricsServer *metric.Server
	nats          *natsclient.Client
	provider      *ident.Provider
	activation    *plugin.Activation
	scheduler     *scheduler.Scheduler
	server        *server.Server
	emitter       *ident.Emitter

	mu        sync.Mutex
	started   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc

	// metrics endpoint and heartbeat emitter
	tasks errgroup.Group
}

// New builds a manager from a validated configuration. Every plugin is
// activated here, so a bad decoder, filter or report configuration fails
// before anything listens.
func New(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.NewConfigurationError("manager", errors.ErrMissingConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:     cfg,
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "manager", "manager", cfg.Manager.Name)

	if m.plugins == nil {
		registry, err := builtin.NewRegistry()
		if err != nil {
			return nil, err
		}
		m.plugins = registry
	}

	if cfg.Metrics.Enabled {
		m.metrics = metric.NewMetricsRegistry()
		m.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, m.metrics, tlsutil.ServerConfig{})
	}

	if len(cfg.NATS.URLs) > 0 {
		client, err := newNATSClient(cfg, m.metrics, m.logger)
		if err != nil {
			return nil, errors.NewConfigurationError("nats", err)
		}
		m.nats = client
	}

	m.provider = ident.New(ident.Config{
		Name:       cfg.Manager.Name,
		AnalyzerID: cfg.Manager.AnalyzerID,
		Version:    m.version,
	})

	activation, err := m.plugins.Activate(cfg.Decoders, cfg.Reports, plugin.Dependencies{
		Logger:     m.logger,
		Metrics:    m.metrics,
		NATSClient: m.nats,
		Local:      m.provider.Local(),
	},
		report.WithSinkTimeout(cfg.Scheduler.SinkTimeout),
		report.WithMetrics(m.metrics),
	)
	if err != nil {
		m.closeNATS()
		return nil, err
	}
	m.activation = activation

	m.scheduler = scheduler.New(scheduler.Config{
		Workers:        cfg.Scheduler.Workers,
		QueueSize:      cfg.Scheduler.QueueSize,
		EnqueueTimeout: cfg.Scheduler.EnqueueTimeout,
	}, activation.Reports,
		scheduler.WithLogger(m.logger),
		scheduler.WithMetricsRegistry(m.metrics),
	)

	m.server = server.New(server.Config{
		Listen:            cfg.Server.Listen,
		MaxFrameSize:      cfg.Server.MaxFrameSize,
		TLS:               cfg.Server.TLS,
		MaxGroupFrames:    cfg.Server.MaxGroupFrames,
		MaxGroupRecords:   cfg.Server.MaxGroupRecords,
		MessagesPerSecond: cfg.Server.MessagesPerSecond,
		MessageBurst:      cfg.Server.MessageBurst,
	}, activation.Decoders, normalize.New(m.provider.Local()), m.scheduler,
		server.WithLogger(m.logger),
		server.WithMetrics(m.metrics),
	)

	m.emitter = ident.NewEmitter(m.provider, cfg.Manager.HeartbeatInterval, m.scheduler, m.logger)

	if m.metricsServer != nil {
		m.metricsServer.SetHealthCheck(m.Health)
	}

	m.logger.Info("Manager configured",
		"analyzer_id", m.provider.Local().AnalyzerID,
		"decoders", len(cfg.Decoders),
		"reports", activation.Reports.Names(),
		"nats", m.nats != nil,
		"metrics", m.metrics != nil)
	return m, nil
}

func newNATSClient(cfg *config.Config, metrics *metric.MetricsRegistry, logger *slog.Logger) (*natsclient.Client, error) {
	n := cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.Manager.Name),
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait),
		natsclient.WithMetrics(metrics),
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(n.TLS.CertFile, n.TLS.KeyFile, n.TLS.CAFile))
	}
	return natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
}

// AnalyzerID returns the ID of the local analyzer that terminates every
// processed chain
func (m *Manager) AnalyzerID() string {
	return m.provider.Local().AnalyzerID
}

// Addr returns the sensor listener address once started
func (m *Manager) Addr() net.Addr {
	return m.server.Addr()
}

// Stats returns the scheduler counters
func (m *Manager) Stats() scheduler.Stats {
	return m.scheduler.Stats()
}

// Health reports the listener, the scheduler queue and, when configured,
// the NATS connection relay reports depend on
func (m *Manager) Health() health.Status {
	m.mu.Lock()
	running := m.started && !m.stopped
	startedAt := m.startedAt
	m.mu.Unlock()

	stats := m.scheduler.Stats()
	subs := []health.Status{m.serverHealth(running), schedulerHealth(stats)}
	if m.nats != nil {
		if m.nats.IsHealthy() {
			subs = append(subs, health.NewHealthy("nats", "connected"))
		} else {
			subs = append(subs, health.NewDegraded("nats", "relay unavailable: "+m.nats.Status().String()))
		}
	}

	var uptime time.Duration
	if running {
		uptime = time.Since(startedAt)
	}
	return health.Aggregate(m.cfg.Manager.Name, subs).WithMetrics(&health.Metrics{
		Uptime:            uptime,
		ErrorCount:        int(stats.Failed),
		MessagesProcessed: int64(stats.Completed),
		Connections:       m.server.Connections(),
		QueueDepth:        stats.QueueDepth,
	})
}

func (m *Manager) serverHealth(running bool) health.Status {
	if !running || m.server.Addr() == nil {
		return health.NewUnhealthy("server", "not listening")
	}
	return health.NewHealthy("server", fmt.Sprintf("%d sensors connected", m.server.Connections()))
}

func schedulerHealth(stats scheduler.Stats) health.Status {
	if stats.QueueSize > 0 && stats.QueueDepth*4 >= stats.QueueSize*3 {
		return health.NewDegraded("scheduler", fmt.Sprintf("queue at %d of %d", stats.QueueDepth, stats.QueueSize))
	}
	return health.NewHealthy("scheduler", fmt.Sprintf("queue at %d of %d", stats.QueueDepth, stats.QueueSize))
}

// Start brings the manager up: PID file, metrics endpoint, NATS, the
// scheduler, the sensor listener and finally local heartbeats. On failure
// everything already started is stopped again.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Manager", "Start", "check running state")
	}
	m.started = true
	m.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if err := m.start(runCtx); err != nil {
		if stopErr := m.Stop(); stopErr != nil {
			m.logger.Warn("Cleanup after failed start", "error", stopErr)
		}
		return err
	}

	m.logger.Info("Manager started", "listen", m.server.Addr().String())
	return nil
}

func (m *Manager) start(ctx context.Context) error {
	if err := m.writePIDFile(); err != nil {
		return err
	}

	if m.metricsServer != nil {
		m.tasks.Go(func() error {
			if err := m.metricsServer.Start(); err != nil {
				m.logger.Error("Metrics server failed", "error", err)
				return err
			}
			return nil
		})
	}

	if m.nats != nil {
		err := retry.Do(ctx, retry.Quick(), func() error {
			err := m.nats.Connect(ctx)
			if stderrors.Is(err, errors.ErrCircuitOpen) {
				return retry.NonRetryable(err)
			}
			return err
		})
		if err != nil {
			// relay sinks retry per message; the manager still runs
			m.logger.Warn("NATS unavailable at startup, relay reports will fail until it connects", "error", err)
		}
	}

	if err := m.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := m.server.Start(ctx); err != nil {
		return err
	}

	m.tasks.Go(func() error {
		m.emitter.Run(ctx)
		return nil
	})
	return nil
}

// Stop shuts the manager down in order: stop accepting sensors, drain the
// scheduler, close the sinks, then NATS and the metrics endpoint. Later
// calls return nil.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	timeout := m.cfg.Scheduler.ShutdownTimeout
	var errs []error

	if err := m.server.Stop(timeout); err != nil {
		errs = append(errs, err)
	}

	// heartbeats go through the scheduler, so they stop before the drain
	if cancel != nil {
		cancel()
	}

	stats, err := m.scheduler.Stop(timeout)
	sinksBlocked := err != nil && errors.IsFatal(err)
	if err != nil {
		errs = append(errs, err)
	}

	if sinksBlocked {
		m.logger.Error("Report sinks still running, not releasing them")
	} else if err := m.activation.Close(); err != nil {
		errs = append(errs, err)
	}

	m.closeNATS()

	if m.metricsServer != nil {
		if err := m.metricsServer.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	// both tasks end once ctx is cancelled and the metrics server is closed
	if err := m.tasks.Wait(); err != nil {
		errs = append(errs, err)
	}

	m.removePIDFile()

	m.logger.Info("Manager stopped",
		"enqueued", stats.Enqueued,
		"completed", stats.Completed,
		"failed", stats.Failed,
		"dropped", stats.Dropped,
		"heartbeats", m.emitter.Sent())
	return stderrors.Join(errs...)
}

// Run starts the manager, waits for ctx and stops it
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return m.Stop()
}

func (m *Manager) closeNATS() {
	if m.nats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.nats.Close(ctx); err != nil {
		m.logger.Warn("Failed to close NATS connection", "error", err)
	}
}

func (m *Manager) writePIDFile() error {
	path := m.cfg.Manager.PIDFile
	if path == "" {
		return nil
	}
	pid := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, pid, 0644); err != nil {
		return errors.WrapFatal(err, "Manager", "Start", fmt.Sprintf("write pid file %s", path))
	}
	return nil
}

func (m *Manager) removePIDFile() {
	path := m.cfg.Manager.PIDFile
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("Failed to remove pid file", "path", path, "error", err)
	}
}
