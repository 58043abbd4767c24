// Package httppost provides a report sink posting messages to an HTTP endpoint
package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/pkg/retry"
	"github.com/c360/alertbus/pkg/tlsutil"
	"github.com/c360/alertbus/plugin"
	"github.com/c360/alertbus/report"
)

// Type is the plugin name of the webhook sink
const Type = "httppost"

// Config holds configuration for the webhook sink
type Config struct {
	URL         string               `json:"url"`
	Headers     map[string]string    `json:"headers"`
	Timeout     time.Duration        `json:"timeout"`
	Retry       retry.Config         `json:"retry"`
	ContentType string               `json:"content_type"`
	TLS         tlsutil.ClientConfig `json:"tls"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "url is required")
	}

	// Validate URL format
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Validate", "invalid URL format")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url scheme must be http or https")
	}

	if c.Timeout < 0 || c.Timeout > 5*time.Minute {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 5m")
	}

	if c.Retry.MaxAttempts > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"retry.max_attempts must be at most 10")
	}
	if err := c.Retry.Validate(); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err), "Config", "Validate", "retry policy")
	}

	return nil
}

// DefaultConfig returns default configuration for the webhook sink
func DefaultConfig() Config {
	return Config{
		URL:         "http://localhost:8080/webhook",
		Headers:     make(map[string]string),
		Timeout:     30 * time.Second,
		Retry:       retry.DefaultConfig(),
		ContentType: "application/json",
	}
}

// Sink posts every message as JSON
type Sink struct {
	name        string
	url         string
	headers     map[string]string
	contentType string
	retry       retry.Config
	httpClient  *http.Client
	logger      *slog.Logger

	messagesSent    atomic.Int64
	messagesRetried atomic.Int64
	errors          atomic.Int64
}

// New creates a webhook sink
func New(name string, cfg Config, logger *slog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.NewConfigurationError(name, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "application/json"
	}

	httpClient := &http.Client{Timeout: timeout}
	tlsConfig, err := tlsutil.LoadClientConfig(cfg.TLS)
	if err != nil {
		return nil, errors.NewConfigurationError(name, errors.WrapFatal(err, "Sink", "New", "load client TLS config"))
	}
	if tlsConfig != nil {
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return &Sink{
		name:        name,
		url:         cfg.URL,
		headers:     cfg.Headers,
		contentType: contentType,
		retry:       cfg.Retry,
		httpClient:  httpClient,
		logger:      logger.With("component", "httppost-sink", "sink", name),
	}, nil
}

// Name returns the sink instance name
func (h *Sink) Name() string {
	return h.name
}

// Run posts msg, retrying network failures and 5xx responses
func (h *Sink) Run(ctx context.Context, msg *idmef.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "Sink", "Run", "encode message")
	}

	err = retry.DoNotify(ctx, h.retry, func() error {
		return h.sendHTTPPost(ctx, data, msg.Ident())
	}, func(attempt int, err error, wait time.Duration) {
		h.messagesRetried.Add(1)
		h.logger.Debug("Webhook post failed, retrying",
			"attempt", attempt,
			"wait", wait,
			"error", err)
	})
	if err != nil {
		h.errors.Add(1)
		if retry.IsNonRetryable(err) {
			return errors.WrapInvalid(err, "Sink", "Run", "post message")
		}
		return errors.WrapTransient(err, "Sink", "Run", "post message")
	}
	h.messagesSent.Add(1)
	return nil
}

// sendHTTPPost sends a single HTTP POST request. A 4xx answer will not
// change on retry and is returned as non-retryable.
func (h *Sink) sendHTTPPost(ctx context.Context, data []byte, ident string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return retry.NonRetryable(err)
	}

	req.Header.Set("Content-Type", h.contentType)
	req.Header.Set("X-Alertbus-Message", ident)
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Read and discard body to reuse connection
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.NonRetryable(fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status))
	default:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
}

// Stats returns sent, retried and failed counts
func (h *Sink) Stats() (sent, retried, failed int64) {
	return h.messagesSent.Load(), h.messagesRetried.Load(), h.errors.Load()
}

// Close releases idle connections
func (h *Sink) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}

// NewSink builds a webhook sink from its JSON configuration
func NewSink(name string, rawConfig json.RawMessage, deps plugin.Dependencies) (report.Sink, error) {
	cfg := DefaultConfig()
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.NewConfigurationError(name, fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err))
		}
	}
	return New(name, cfg, deps.GetLogger())
}

// Register registers the webhook sink with the plugin registry
func Register(registry *plugin.Registry) error {
	return registry.Register(&plugin.Registration{
		Name:        Type,
		Kind:        plugin.KindReport,
		Description: "Posts messages as JSON to an HTTP endpoint with retries",
		Report:      NewSink,
	})
}
