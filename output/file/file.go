// Package file provides a report sink writing messages to a JSON Lines file
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/plugin"
	"github.com/c360/alertbus/report"
)

// Type is the plugin name of the file sink
const Type = "file"

// Config holds configuration for the file sink
type Config struct {
	Path          string        `json:"path"`
	Format        string        `json:"format"` // jsonl or json
	Append        bool          `json:"append"`
	BufferSize    int           `json:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "path is required")
	}

	validFormats := map[string]bool{"json": true, "jsonl": true}
	if !validFormats[c.Format] {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"format must be one of: json, jsonl")
	}

	if c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"buffer_size cannot be negative")
	}

	if c.FlushInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"flush_interval cannot be negative")
	}

	return nil
}

// DefaultConfig returns default configuration for the file sink
func DefaultConfig() Config {
	return Config{
		Path:          "/var/log/alertbus/alerts.jsonl",
		Format:        "jsonl",
		Append:        true,
		BufferSize:    100,
		FlushInterval: time.Second,
	}
}

// Stats are the sink's write counters
type Stats struct {
	MessagesWritten int64
	BytesWritten    int64
	Errors          int64
}

// Sink buffers encoded messages and writes them to a file
type Sink struct {
	name       string
	path       string
	format     string
	bufferSize int
	logger     *slog.Logger

	// fileMu is held from taking a batch until it is written, so batches
	// reach the file in the order they were buffered. Lock order is fileMu,
	// then bufferMu.
	file   *os.File
	fileMu sync.Mutex

	// Buffer for batching writes
	buffer   [][]byte
	bufferMu sync.Mutex

	// Lifecycle management
	shutdown  chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup

	messagesWritten int64
	bytesWritten    int64
	errors          int64
}

// New opens the output file and starts the periodic flush
func New(name string, cfg Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigurationError(name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, errors.NewConfigurationError(name, errors.WrapFatal(err, "Sink", "New", "create output directory"))
	}

	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.Path, flags, 0644)
	if err != nil {
		return nil, errors.NewConfigurationError(name, errors.WrapFatal(err, "Sink", "New", "open output file"))
	}

	bufferSize := cfg.BufferSize
	if bufferSize == 0 {
		bufferSize = 1
	}

	s := &Sink{
		name:       name,
		path:       cfg.Path,
		format:     cfg.Format,
		bufferSize: bufferSize,
		logger:     logger.With("component", "file-sink", "sink", name),
		file:       f,
		buffer:     make([][]byte, 0, bufferSize),
		shutdown:   make(chan struct{}),
	}

	if cfg.FlushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop(cfg.FlushInterval)
	}

	s.logger.Info("File sink opened",
		"output_file", cfg.Path,
		"format", cfg.Format,
		"append", cfg.Append,
		"buffer_size", bufferSize)
	return s, nil
}

// Name returns the sink instance name
func (s *Sink) Name() string {
	return s.name
}

// Run encodes msg and buffers it, flushing once the buffer is full
func (s *Sink) Run(ctx context.Context, msg *idmef.Message) error {
	if s.closed.Load() {
		return errors.WrapFatal(errors.ErrShuttingDown, "Sink", "Run", "sink state check")
	}

	var (
		data []byte
		err  error
	)
	if s.format == "json" {
		data, err = json.MarshalIndent(msg, "", "  ")
	} else {
		data, err = json.Marshal(msg)
	}
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "Run", "encode message")
	}

	s.bufferMu.Lock()
	s.buffer = append(s.buffer, data)
	shouldFlush := len(s.buffer) >= s.bufferSize
	s.bufferMu.Unlock()

	if !shouldFlush {
		return nil
	}

	// Check context before potentially expensive flush operation
	if err := ctx.Err(); err != nil {
		return nil
	}
	return s.flush()
}

// flushLoop periodically flushes the buffer
func (s *Sink) flushLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if err := s.flush(); err != nil {
				s.logger.Warn("Periodic flush failed", "error", err)
			}
		}
	}
}

// flush writes buffered messages to the file
func (s *Sink) flush() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	s.bufferMu.Lock()
	if len(s.buffer) == 0 {
		s.bufferMu.Unlock()
		return nil
	}
	messages := s.buffer
	s.buffer = make([][]byte, 0, s.bufferSize)
	s.bufferMu.Unlock()

	if s.file == nil {
		atomic.AddInt64(&s.errors, int64(len(messages)))
		s.logger.Error("File handle is nil during flush", "messages_lost", len(messages))
		return errors.WrapFatal(errors.ErrShuttingDown, "Sink", "flush", "write after close")
	}

	var firstErr error
	for _, msg := range messages {
		n, err := s.file.Write(append(msg, '\n'))
		if err != nil {
			atomic.AddInt64(&s.errors, 1)
			if firstErr == nil {
				firstErr = errors.WrapTransient(err, "Sink", "flush", "write message")
			}
			continue
		}
		atomic.AddInt64(&s.messagesWritten, 1)
		atomic.AddInt64(&s.bytesWritten, int64(n))
	}

	s.logger.Debug("Flush completed",
		"message_count", len(messages),
		"total_written", atomic.LoadInt64(&s.messagesWritten),
		"total_errors", atomic.LoadInt64(&s.errors))
	return firstErr
}

// Stats returns the write counters
func (s *Sink) Stats() Stats {
	return Stats{
		MessagesWritten: atomic.LoadInt64(&s.messagesWritten),
		BytesWritten:    atomic.LoadInt64(&s.bytesWritten),
		Errors:          atomic.LoadInt64(&s.errors),
	}
}

// Close stops the flush loop, writes what is still buffered and closes the
// file. Later calls return the first result.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.shutdown)
		s.wg.Wait()

		err := s.flush()

		s.fileMu.Lock()
		if s.file != nil {
			if cerr := s.file.Close(); cerr != nil && err == nil {
				err = errors.WrapTransient(cerr, "Sink", "Close", "close output file")
			}
			s.file = nil
		}
		s.fileMu.Unlock()

		s.closeErr = err
		s.logger.Info("File sink closed", "messages_written", atomic.LoadInt64(&s.messagesWritten))
	})
	return s.closeErr
}

// NewSink builds a file sink from its JSON configuration
func NewSink(name string, rawConfig json.RawMessage, deps plugin.Dependencies) (report.Sink, error) {
	cfg := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.NewConfigurationError(name, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
		}
	}
	return New(name, cfg, deps.GetLogger())
}

// Register registers the file sink with the plugin registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Name:        Type,
		Kind:        plugin.KindReport,
		Description: "Buffered JSON Lines file writer",
		Report:      NewSink,
	})
}
