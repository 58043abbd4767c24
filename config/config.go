package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
	"unicode"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/pkg/tlsutil"
)

// Config is the complete manager configuration
type Config struct {
	Manager   ManagerConfig   `json:"manager"`
	Server    ServerConfig    `json:"server"`
	Scheduler SchedulerConfig `json:"scheduler"`
	NATS      NATSConfig      `json:"nats"`
	Metrics   MetricsConfig   `json:"metrics"`
	Decoders  []DecoderConfig `json:"decoders,omitempty"`
	Reports   []ReportConfig  `json:"reports,omitempty"`
}

// ManagerConfig describes the local manager identity
type ManagerConfig struct {
	Name              string        `json:"name"`
	AnalyzerID        string        `json:"analyzer_id"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"` // 0 disables local heartbeats
	PIDFile           string        `json:"pid_file,omitempty"`
}

// ServerConfig configures the sensor listener
type ServerConfig struct {
	Listen       string               `json:"listen"`
	MaxFrameSize uint32               `json:"max_frame_size"`
	TLS          tlsutil.ServerConfig `json:"tls"`

	// per-message frame group bounds
	MaxGroupFrames  int `json:"max_group_frames"`
	MaxGroupRecords int `json:"max_group_records"`

	// per-connection message rate, 0 disables it
	MessagesPerSecond float64 `json:"messages_per_second,omitempty"`
	MessageBurst      int     `json:"message_burst,omitempty"`
}

// SchedulerConfig sizes the dispatch queue and bounds shutdown
type SchedulerConfig struct {
	Workers         int           `json:"workers"`
	QueueSize       int           `json:"queue_size"`
	EnqueueTimeout  time.Duration `json:"enqueue_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	SinkTimeout     time.Duration `json:"sink_timeout"` // 0 leaves sink runs unbounded
}

// NATSConfig defines the NATS connection used by relay sinks. An empty URL
// list disables NATS.
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	TLS           NATSTLSConfig `json:"tls,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// DecoderConfig activates a decode plugin
type DecoderConfig struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

// FilterConfig attaches a filter plugin instance to a report
type FilterConfig struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ReportConfig activates a report plugin instance
type ReportConfig struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Config  json.RawMessage `json:"config,omitempty"`
	Filters []FilterConfig  `json:"filters,omitempty"`
}

// Default returns the configuration every file layer is merged onto
func Default() *Config {
	return &Config{
		Manager: ManagerConfig{
			Name:              "alertbus",
			HeartbeatInterval: 10 * time.Minute,
		},
		Server: ServerConfig{
			Listen:          "0.0.0.0:4690",
			MaxFrameSize:    1 << 20,
			MaxGroupFrames:  1024,
			MaxGroupRecords: 4096,
		},
		Scheduler: SchedulerConfig{
			Workers:         4,
			QueueSize:       1024,
			EnqueueTimeout:  5 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Validate checks the configuration. Every failure is a ConfigurationError.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return errors.NewConfigurationError("config", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Manager.Name == "" {
		return fmt.Errorf("%w: manager.name is required", errors.ErrMissingConfig)
	}
	if c.Manager.AnalyzerID != "" && !isValidIdentifier(c.Manager.AnalyzerID) {
		return fmt.Errorf("%w: manager.analyzer_id %q must be alphanumeric with dots, dashes or underscores",
			errors.ErrInvalidConfig, c.Manager.AnalyzerID)
	}
	if c.Manager.HeartbeatInterval < 0 {
		return fmt.Errorf("%w: manager.heartbeat_interval cannot be negative", errors.ErrInvalidConfig)
	}

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("%w: server.listen %q: %v", errors.ErrInvalidConfig, c.Server.Listen, err)
	}
	if c.Server.MaxFrameSize == 0 || c.Server.MaxFrameSize > MaxFrameSizeCeiling {
		return fmt.Errorf("%w: server.max_frame_size must be between 1 and %d", errors.ErrInvalidConfig, MaxFrameSizeCeiling)
	}
	if c.Server.MaxGroupFrames < 1 || c.Server.MaxGroupRecords < 1 {
		return fmt.Errorf("%w: server.max_group_frames and server.max_group_records must be positive", errors.ErrInvalidConfig)
	}
	if c.Server.MessagesPerSecond < 0 || c.Server.MessageBurst < 0 {
		return fmt.Errorf("%w: server.messages_per_second and server.message_burst cannot be negative", errors.ErrInvalidConfig)
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server.tls: %w", err)
	}
	if v := c.Server.TLS.MinVersion; v != "" {
		if err := validateTLSVersion(v); err != nil {
			return fmt.Errorf("server.tls.min_version: %w", err)
		}
	}

	s := c.Scheduler
	switch {
	case s.Workers < 1:
		return fmt.Errorf("%w: scheduler.workers must be at least 1", errors.ErrInvalidConfig)
	case s.QueueSize < s.Workers:
		return fmt.Errorf("%w: scheduler.queue_size must be at least scheduler.workers", errors.ErrInvalidConfig)
	case s.EnqueueTimeout <= 0:
		return fmt.Errorf("%w: scheduler.enqueue_timeout must be positive", errors.ErrInvalidConfig)
	case s.ShutdownTimeout <= 0:
		return fmt.Errorf("%w: scheduler.shutdown_timeout must be positive", errors.ErrInvalidConfig)
	case s.SinkTimeout < 0:
		return fmt.Errorf("%w: scheduler.sink_timeout cannot be negative", errors.ErrInvalidConfig)
	}

	for i, url := range c.NATS.URLs {
		if !strings.HasPrefix(url, "nats://") && !strings.HasPrefix(url, "tls://") {
			return fmt.Errorf("%w: nats.urls[%d] %q must use nats:// or tls://", errors.ErrInvalidConfig, i, url)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("%w: metrics.port %d out of range", errors.ErrInvalidConfig, c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("%w: metrics.path must start with /", errors.ErrInvalidConfig)
		}
	}

	for i, d := range c.Decoders {
		if d.Name == "" {
			return fmt.Errorf("%w: decoders[%d].name is required", errors.ErrMissingConfig, i)
		}
	}

	names := make(map[string]bool, len(c.Reports))
	for i, r := range c.Reports {
		if r.Name == "" || r.Type == "" {
			return fmt.Errorf("%w: reports[%d] needs name and type", errors.ErrMissingConfig, i)
		}
		if !isValidIdentifier(r.Name) {
			return fmt.Errorf("%w: reports[%d].name %q must be alphanumeric with dots, dashes or underscores",
				errors.ErrInvalidConfig, i, r.Name)
		}
		if names[r.Name] {
			return fmt.Errorf("%w: duplicate report name %q", errors.ErrInvalidConfig, r.Name)
		}
		names[r.Name] = true
		for j, f := range r.Filters {
			if f.Type == "" {
				return fmt.Errorf("%w: reports[%d].filters[%d].type is required", errors.ErrMissingConfig, i, j)
			}
		}
	}
	return nil
}

// isValidIdentifier accepts names usable in log fields, metric labels and
// NATS subjects
func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

func validateTLSVersion(version string) error {
	switch version {
	case "1.2", "1.3":
		return nil
	default:
		return fmt.Errorf("invalid TLS version %q (must be \"1.2\" or \"1.3\")", version)
	}
}

// String returns the config as indented JSON with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
