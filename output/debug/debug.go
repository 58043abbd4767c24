// Package debug provides a report sink that prints selected IDMEF paths of
// every message it receives. It is meant for troubleshooting filter chains
// and sensor output, not for production storage.
package debug

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/plugin"
	"github.com/c360/alertbus/report"
)

// Type is the plugin name of the debug sink
const Type = "debug"

// Output destinations that are not file paths
const (
	OutputStdout = "stdout"
	OutputStderr = "stderr"
)

// Config holds configuration for the debug sink
type Config struct {
	Paths  []string `json:"paths"`
	Output string   `json:"output,omitempty"` // stdout, stderr or a file path
}

// DefaultConfig prints the basic identity of every message to stdout
func DefaultConfig() Config {
	return Config{
		Paths: []string{
			"alert.messageid",
			"alert.classification.text",
			"alert.assessment.severity",
			"heartbeat.messageid",
			"heartbeat.analyzer.name",
		},
		Output: OutputStdout,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Paths) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "at least one path is required")
	}
	for _, p := range c.Paths {
		if _, err := idmef.ParsePath(p); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Validate", "parse path")
		}
	}
	return nil
}

// Sink writes the configured paths of each message between start and end
// markers
type Sink struct {
	name   string
	paths  []idmef.Path
	logger *slog.Logger

	mu     sync.Mutex
	out    *bufio.Writer
	closer io.Closer // nil for stdout and stderr
}

// New creates a debug sink writing to w
func New(name string, paths []string, w io.Writer, logger *slog.Logger) (*Sink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	parsed := make([]idmef.Path, 0, len(paths))
	for _, p := range paths {
		path, err := idmef.ParsePath(p)
		if err != nil {
			return nil, errors.NewConfigurationError(name, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
		}
		parsed = append(parsed, path)
	}
	return &Sink{
		name:   name,
		paths:  parsed,
		logger: logger.With("component", "debug-sink", "sink", name),
		out:    bufio.NewWriter(w),
	}, nil
}

// Name returns the sink instance name
func (s *Sink) Name() string {
	return s.name
}

// Run prints the message. Output of concurrent runs is never interleaved.
func (s *Sink) Run(_ context.Context, msg *idmef.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintln(s.out, "--- START OF MESSAGE")
	for _, p := range s.paths {
		if v, ok := msg.GetString(p); ok {
			fmt.Fprintf(s.out, "%s: %s\n", p, v)
		} else {
			fmt.Fprintf(s.out, "%s is not set.\n", p)
		}
	}
	fmt.Fprintln(s.out, "--- END OF MESSAGE")

	if err := s.out.Flush(); err != nil {
		return errors.WrapTransient(err, "Sink", "Run", "flush output")
	}
	return nil
}

// Close flushes the output and closes it when it is a file
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.out.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.closer = nil
	}
	return err
}

// NewSink builds a debug sink from its JSON configuration
func NewSink(name string, rawConfig json.RawMessage, deps plugin.Dependencies) (report.Sink, error) {
	cfg := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.NewConfigurationError(name, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigurationError(name, err)
	}

	var (
		w      io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", OutputStdout:
		w = os.Stdout
	case OutputStderr:
		w = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.NewConfigurationError(name, fmt.Errorf("open %s: %w", cfg.Output, err))
		}
		w, closer = f, f
	}

	s, err := New(name, cfg.Paths, w, deps.GetLogger())
	if err != nil {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}
	s.closer = closer
	return s, nil
}

// Register adds the debug sink to the plugin registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Name:        Type,
		Kind:        plugin.KindReport,
		Description: "Prints selected IDMEF paths of each message",
		Report:      NewSink,
	})
}
