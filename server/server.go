package server

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/alertbus/decode"
	"github.com/c360/alertbus/decoder"
	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/metric"
	"github.com/c360/alertbus/normalize"
	"github.com/c360/alertbus/pkg/tlsutil"
	"github.com/c360/alertbus/scheduler"
)

// Close reasons recorded for dropped connections
const (
	ReasonProtocol = "protocol"
	ReasonRead     = "read"
	ReasonStopped  = "stopped"
)

// Config configures the listener
type Config struct {
	Listen       string
	MaxFrameSize uint32
	TLS          tlsutil.ServerConfig

	// MaxGroupFrames and MaxGroupRecords bound one message's frame group.
	// Zero keeps the decoder defaults.
	MaxGroupFrames  int
	MaxGroupRecords int

	// MessagesPerSecond limits each connection. Zero disables the limit.
	MessagesPerSecond float64
	MessageBurst      int

	// BackpressureWait is the pause before a refused enqueue is retried
	BackpressureWait time.Duration
}

// Enqueuer accepts finished messages. *scheduler.Scheduler implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, producer string, msg *idmef.Message) error
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records connection and decode metrics. Nil disables it.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) {
		s.registry = registry
		s.metrics = registry.CoreMetrics()
	}
}

// Server is the sensor listener
type Server struct {
	cfg        Config
	decoders   *decode.Registry
	normalizer *normalize.Normalizer
	target     Enqueuer
	logger     *slog.Logger
	registry   *metric.MetricsRegistry
	metrics    *metric.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[string]net.Conn
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

// New creates a server. Nothing listens until Start.
func New(cfg Config, decoders *decode.Registry, normalizer *normalize.Normalizer, target Enqueuer, opts ...Option) *Server {
	if cfg.BackpressureWait <= 0 {
		cfg.BackpressureWait = 100 * time.Millisecond
	}
	if cfg.MessagesPerSecond > 0 && cfg.MessageBurst < 1 {
		cfg.MessageBurst = 1
	}
	s := &Server{
		cfg:        cfg,
		decoders:   decoders,
		normalizer: normalizer,
		target:     target,
		logger:     slog.Default(),
		conns:      make(map[string]net.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	return s
}

// Start binds the listener and accepts connections until Stop or ctx ends
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "check running state")
	}
	if s.stopped {
		return errors.WrapFatal(errors.ErrShuttingDown, "Server", "Start", "check running state")
	}

	tlsConfig, err := tlsutil.LoadServerConfig(s.cfg.TLS)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "load TLS config")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", "listen on "+s.cfg.Listen)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)

	s.logger.Info("Sensor server listening",
		"address", ln.Addr().String(),
		"tls", tlsConfig != nil,
		"max_frame_size", s.cfg.MaxFrameSize,
		"messages_per_second", s.cfg.MessagesPerSecond)
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return
			}
			// Back off on temporary accept failures such as EMFILE
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			s.logger.Warn("Accept failed, retrying", "error", err, "delay", tempDelay)
			select {
			case <-time.After(tempDelay):
				continue
			case <-ctx.Done():
				return
			}
		}
		tempDelay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.HandleConn(ctx, conn)
		}()
	}
}

// HandleConn serves one sensor connection until it ends, fails or the
// server stops. It closes conn.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	producer := uuid.NewString()
	logger := s.logger.With("producer", producer, "remote", remoteAddr(conn))

	if !s.track(producer, conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(producer)
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
	}
	logger.Info("Sensor connected")

	reason := s.serve(ctx, conn, producer, logger)

	if s.metrics != nil {
		s.metrics.RecordConnectionClosed(reason)
	}
	if reason == "" {
		logger.Info("Sensor disconnected")
	} else {
		logger.Warn("Sensor connection dropped", "reason", reason)
	}
}

// serve runs the decode loop and returns the drop reason, empty on a clean
// end of stream
func (s *Server) serve(ctx context.Context, conn net.Conn, producer string, logger *slog.Logger) string {
	dec := decoder.New(conn, s.decoders, s.normalizer,
		decoder.WithLogger(logger),
		decoder.WithMaxFrameSize(s.cfg.MaxFrameSize),
		decoder.WithGroupLimits(s.cfg.MaxGroupFrames, s.cfg.MaxGroupRecords),
		decoder.WithMetrics(s.registry))

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	}

	defer func() {
		st := dec.Stats()
		logger.Debug("Connection decode totals",
			"messages", st.Messages,
			"decode_errors", st.DecodeErrs,
			"unhandled", st.Unhandled,
			"discarded", st.Discarded,
			"frames", st.FramesTotal)
	}()

	for {
		msg, err := dec.Next(ctx)
		if err != nil {
			var decErr *errors.DecodeError
			var protoErr *errors.ProtocolError
			switch {
			case stderrors.Is(err, io.EOF):
				return ""
			case stderrors.As(err, &decErr):
				// message dropped, the stream is still in sync
				continue
			case ctx.Err() != nil:
				return ReasonStopped
			case stderrors.As(err, &protoErr):
				logger.Warn("Protocol error, closing connection", "error", err)
				return ReasonProtocol
			default:
				logger.Warn("Read failed, closing connection", "error", err)
				return ReasonRead
			}
		}

		if limiter != nil {
			if err := s.throttle(ctx, limiter, msg, logger); err != nil {
				return ReasonStopped
			}
		}
		if err := s.enqueue(ctx, producer, msg, logger); err != nil {
			return ReasonStopped
		}
	}
}

// throttle holds msg until the connection's limiter admits it. As with
// backpressure, the socket is not read while a message is held.
func (s *Server) throttle(ctx context.Context, limiter *rate.Limiter, msg *idmef.Message, logger *slog.Logger) error {
	if limiter.Allow() {
		return nil
	}
	if s.metrics != nil {
		s.metrics.RecordRateLimited()
	}
	logger.Debug("Sensor over its message rate, holding message",
		"message", msg.Ident(),
		"error", errors.ErrRateLimited)
	return limiter.Wait(ctx)
}

// enqueue hands msg to the scheduler, waiting out backpressure. Holding the
// message here stops reading from the socket, which pushes back on the
// sensor through TCP flow control.
func (s *Server) enqueue(ctx context.Context, producer string, msg *idmef.Message, logger *slog.Logger) error {
	for {
		err := s.target.Enqueue(ctx, producer, msg)
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, scheduler.ErrBackpressure) {
			logger.Warn("Message not queued", "message", msg.Ident(), "error", err)
			return err
		}

		if s.metrics != nil {
			s.metrics.RecordBackpressure()
		}
		logger.Debug("Scheduler queue full, holding message", "message", msg.Ident())

		select {
		case <-ctx.Done():
			logger.Warn("Message not queued before shutdown", "message", msg.Ident())
			return ctx.Err()
		case <-time.After(s.cfg.BackpressureWait):
		}
	}
}

func (s *Server) track(producer string, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[producer] = conn
	return true
}

func (s *Server) untrack(producer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, producer)
}

// Connections returns the number of open sensor connections
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Stop closes the listener and every open connection, then waits up to
// timeout for the connection goroutines. Messages already queued stay with
// the scheduler.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	open := len(s.conns)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Sensor server stopped", "closed_connections", open)
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), "Server", "Stop", "wait for connections")
	}
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
