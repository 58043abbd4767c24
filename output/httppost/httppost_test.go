package httppost

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/pkg/retry"
	"github.com/c360/alertbus/plugin"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func testAlert(t *testing.T) *idmef.Message {
	t.Helper()
	msg := idmef.New()
	require.NoError(t, msg.SetAlert(&idmef.Alert{
		MessageID:      "3",
		Classification: &idmef.Classification{Text: "brute force"},
	}))
	return msg
}

func TestHTTPPostSink_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "http://localhost:8080/webhook", config.URL)
	assert.Equal(t, 30*time.Second, config.Timeout)
	assert.Equal(t, 3, config.Retry.MaxAttempts)
	assert.Equal(t, "application/json", config.ContentType)
	assert.NoError(t, config.Validate())
}

func TestHTTPPostSink_ConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing url", func(c *Config) { c.URL = "" }},
		{"bad scheme", func(c *Config) { c.URL = "ftp://example.com" }},
		{"timeout too long", func(c *Config) { c.Timeout = time.Hour }},
		{"too many attempts", func(c *Config) { c.Retry.MaxAttempts = 11 }},
		{"bad retry", func(c *Config) { c.Retry.InitialDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestHTTPPostSink_Posts(t *testing.T) {
	var (
		gotBody    []byte
		gotHeaders http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	s, err := New("hook", Config{
		URL:     server.URL,
		Headers: map[string]string{"X-Custom": "value"},
		Retry:   fastRetry(),
	}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(context.Background(), testAlert(t)))

	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, "value", gotHeaders.Get("X-Custom"))
	assert.Equal(t, "alert:3", gotHeaders.Get("X-Alertbus-Message"))

	var decoded idmef.Message
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "brute force", decoded.Alert.Classification.Text)

	sent, retried, failed := s.Stats()
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, retried)
	assert.Zero(t, failed)
}

func TestHTTPPostSink_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := New("hook", Config{URL: server.URL, Retry: fastRetry()}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background(), testAlert(t)))
	assert.Equal(t, int32(3), calls.Load())

	_, retried, _ := s.Stats()
	assert.Equal(t, int64(2), retried)
}

func TestHTTPPostSink_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	s, err := New("hook", Config{URL: server.URL, Retry: fastRetry()}, nil)
	require.NoError(t, err)

	err = s.Run(context.Background(), testAlert(t))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPPostSink_ServerErrorExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s, err := New("hook", Config{URL: server.URL, Retry: fastRetry()}, nil)
	require.NoError(t, err)

	err = s.Run(context.Background(), testAlert(t))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	_, _, failed := s.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestHTTPPostSink_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s, err := New("hook", Config{
		URL:   server.URL,
		Retry: retry.Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1},
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.Error(t, s.Run(ctx, testAlert(t)))
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewSink_FromJSON(t *testing.T) {
	s, err := NewSink("hook", json.RawMessage(`{"url": "https://siem.example.com/ingest", "timeout": 5000000000}`), plugin.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "hook", s.Name())
	assert.NoError(t, s.Close())

	_, err = NewSink("hook", json.RawMessage(`{"url": ""}`), plugin.Dependencies{})
	var cfgErr *errors.ConfigurationError
	assert.True(t, stderrors.As(err, &cfgErr))
}

func TestRegister(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))
	_, ok := registry.Lookup(plugin.KindReport, Type)
	assert.True(t, ok)
}
