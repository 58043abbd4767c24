// Package relay provides the reverse relay report sink. Each message is
// re-encoded as a wire frame group (body frame plus End frame) and
// published to a NATS subject, where an upstream manager or any other
// consumer can read it with a wire.Reader.
//
// Relaying is best effort: a publish that still fails after the retry
// policy is reported as a sink failure and the message is not queued.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/pkg/retry"
	"github.com/c360/alertbus/plugin"
	"github.com/c360/alertbus/report"
	"github.com/c360/alertbus/wire"
)

// Type is the plugin name of the relay sink
const Type = "relay"

// Publisher sends one payload on a subject. *natsclient.Client implements
// it with core NATS.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// StreamPublisher publishes with a JetStream acknowledgement
type StreamPublisher interface {
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Config holds configuration for the relay sink
type Config struct {
	Subject string        `json:"subject"`
	Stream  string        `json:"stream,omitempty"`     // JetStream stream name, empty publishes with core NATS
	MaxAge  time.Duration `json:"stream_ttl,omitempty"` // 0 keeps messages until limits apply
	Retry   retry.Config  `json:"retry"`
}

// DefaultConfig returns default configuration for the relay sink
func DefaultConfig() Config {
	return Config{
		Subject: "alertbus.relay",
		Retry:   retry.DefaultConfig(),
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "subject is required")
	}
	for _, r := range c.Subject {
		if r == ' ' || r == '\t' || r == '\n' || r == '*' || r == '>' {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"subject must be a literal subject without wildcards or whitespace")
		}
	}
	if c.MaxAge < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "stream_ttl cannot be negative")
	}
	if err := c.Retry.Validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Validate", "retry policy")
	}
	return nil
}

// Sink publishes re-encoded messages
type Sink struct {
	name      string
	cfg       Config
	publisher Publisher
	stream    StreamPublisher // nil with core NATS
	logger    *slog.Logger
	now       func() time.Time

	ensureMu sync.Mutex
	ensured  bool

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a relay sink. When cfg.Stream is set, publisher must also
// implement StreamPublisher.
func New(name string, cfg Config, publisher Publisher, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigurationError(name, err)
	}
	if publisher == nil {
		return nil, errors.NewConfigurationError(name,
			fmt.Errorf("%w: relay requires a NATS connection", errors.ErrMissingConfig))
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		name:      name,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With("component", "relay-sink", "sink", name),
		now:       time.Now,
	}
	if cfg.Stream != "" {
		sp, ok := publisher.(StreamPublisher)
		if !ok {
			return nil, errors.NewConfigurationError(name,
				fmt.Errorf("%w: stream %q requires a JetStream capable publisher", errors.ErrInvalidConfig, cfg.Stream))
		}
		s.stream = sp
	}
	return s, nil
}

// Name returns the sink instance name
func (s *Sink) Name() string {
	return s.name
}

// Encode renders msg as a frame group stamped with sentAt
func Encode(msg *idmef.Message, sentAt time.Time) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.NewWriter(&buf).WriteMessage(msg, sentAt); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Run encodes msg and publishes it with retry
func (s *Sink) Run(ctx context.Context, msg *idmef.Message) error {
	data, err := Encode(msg, s.now())
	if err != nil {
		return err
	}

	if s.stream != nil {
		if err := s.ensureStream(ctx); err != nil {
			s.failed.Add(1)
			return err
		}
	}

	err = retry.DoNotify(ctx, s.cfg.Retry, func() error {
		return s.publish(ctx, data)
	}, func(attempt int, err error, wait time.Duration) {
		s.logger.Debug("Relay publish failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"message", msg.Ident(),
			"error", err)
	})
	if err != nil {
		s.failed.Add(1)
		return errors.WrapTransient(err, "Sink", "Run", "publish to "+s.cfg.Subject)
	}
	s.published.Add(1)
	return nil
}

func (s *Sink) publish(ctx context.Context, data []byte) error {
	var err error
	if s.stream != nil {
		err = s.stream.PublishToStream(ctx, s.cfg.Subject, data)
	} else {
		err = s.publisher.Publish(ctx, s.cfg.Subject, data)
	}
	if err != nil && stderrors.Is(err, errors.ErrCircuitOpen) {
		return retry.NonRetryable(err)
	}
	return err
}

// ensureStream creates the stream once. A failure is retried by the next Run.
func (s *Sink) ensureStream(ctx context.Context) error {
	s.ensureMu.Lock()
	defer s.ensureMu.Unlock()
	if s.ensured {
		return nil
	}

	streamCfg := jetstream.StreamConfig{
		Name:     s.cfg.Stream,
		Subjects: []string{s.cfg.Subject},
		Storage:  jetstream.FileStorage,
		MaxAge:   s.cfg.MaxAge,
	}
	if _, err := s.stream.EnsureStream(ctx, streamCfg); err != nil {
		return errors.WrapTransient(err, "Sink", "ensureStream", "ensure stream "+s.cfg.Stream)
	}
	s.ensured = true
	s.logger.Info("Relay stream ready", "stream", s.cfg.Stream, "subject", s.cfg.Subject)
	return nil
}

// Published returns the number of messages relayed
func (s *Sink) Published() int64 {
	return s.published.Load()
}

// Close logs the totals. The NATS connection belongs to the manager.
func (s *Sink) Close() error {
	s.logger.Info("Relay sink closed",
		"published", s.published.Load(),
		"failed", s.failed.Load())
	return nil
}

// NewSink builds a relay sink publishing through the manager's NATS client
func NewSink(name string, rawConfig json.RawMessage, deps plugin.Dependencies) (report.Sink, error) {
	cfg := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.NewConfigurationError(name, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
		}
	}
	if deps.NATSClient == nil {
		return nil, errors.NewConfigurationError(name,
			fmt.Errorf("%w: relay requires nats.urls to be configured", errors.ErrMissingConfig))
	}
	return New(name, cfg, deps.NATSClient, deps.GetLogger())
}

// Register registers the relay sink with the plugin registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Name:        Type,
		Kind:        plugin.KindReport,
		Description: "Re-encodes messages as wire frames and publishes them to NATS",
		Report:      NewSink,
	})
}
