package file

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/plugin"
)

func alert(t *testing.T, id string) *idmef.Message {
	t.Helper()
	msg := idmef.New()
	require.NoError(t, msg.SetAlert(&idmef.Alert{
		MessageID:      id,
		Classification: &idmef.Classification{Text: "port scan"},
	}))
	return msg
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFileSink_DefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "jsonl", cfg.Format)
	assert.True(t, cfg.Append)
	assert.Equal(t, 100, cfg.BufferSize)
	assert.NoError(t, cfg.Validate())
}

func TestFileSink_ConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing path", func(c *Config) { c.Path = "" }},
		{"bad format", func(c *Config) { c.Format = "csv" }},
		{"negative buffer", func(c *Config) { c.BufferSize = -1 }},
		{"negative interval", func(c *Config) { c.FlushInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFileSink_BuffersUntilFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "alerts.jsonl")
	s, err := New("audit", Config{Path: path, Format: "jsonl", BufferSize: 2}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Run(ctx, alert(t, "1")))
	assert.Empty(t, readLines(t, path), "first message stays buffered")

	require.NoError(t, s.Run(ctx, alert(t, "2")))
	lines := readLines(t, path)
	require.Len(t, lines, 2)

	var decoded idmef.Message
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &decoded))
	assert.Equal(t, "2", decoded.MessageID())

	require.NoError(t, s.Close())
	assert.Equal(t, int64(2), s.Stats().MessagesWritten)
}

func TestFileSink_CloseFlushesRemainder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	s, err := New("audit", Config{Path: path, Format: "jsonl", BufferSize: 10}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background(), alert(t, "1")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Len(t, readLines(t, path), 1)
	assert.Error(t, s.Run(context.Background(), alert(t, "x")), "write after close")
}

func TestFileSink_ConcurrentRunsKeepPerCallerOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	s, err := New("audit", Config{Path: path, Format: "jsonl", BufferSize: 1}, nil)
	require.NoError(t, err)

	const callers, perCaller = 8, 200
	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				assert.NoError(t, s.Run(context.Background(), alert(t, fmt.Sprintf("%d-%d", c, i))))
			}
		}(c)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	lines := readLines(t, path)
	require.Len(t, lines, callers*perCaller)

	next := make([]int, callers)
	for _, line := range lines {
		var msg idmef.Message
		require.NoError(t, json.Unmarshal([]byte(line), &msg))
		var c, i int
		_, err := fmt.Sscanf(msg.MessageID(), "%d-%d", &c, &i)
		require.NoError(t, err)
		require.Equal(t, next[c], i, "caller %d out of order", c)
		next[c]++
	}
}

func TestFileSink_PeriodicFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	s, err := New("audit", Config{
		Path:          path,
		Format:        "jsonl",
		BufferSize:    100,
		FlushInterval: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(context.Background(), alert(t, "1")))
	assert.Eventually(t, func() bool {
		return s.Stats().MessagesWritten == 1
	}, time.Second, 10*time.Millisecond)
}

func TestFileSink_TruncateMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("stale\n"), 0644))

	s, err := New("audit", Config{Path: path, Format: "jsonl", Append: false}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Run(context.Background(), alert(t, "1")))
	require.NoError(t, s.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.NotEqual(t, "stale", lines[0])
}

func TestNewSink_FromJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.jsonl")
	raw, err := json.Marshal(map[string]any{"path": path, "buffer_size": 1, "flush_interval": int64(time.Second)})
	require.NoError(t, err)

	s, err := NewSink("audit", raw, plugin.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "audit", s.Name())
	require.NoError(t, s.Close())

	_, err = NewSink("audit", json.RawMessage(`{"path": ""}`), plugin.Dependencies{})
	var cfgErr *errors.ConfigurationError
	assert.True(t, stderrors.As(err, &cfgErr))
}

func TestRegister(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))
	_, ok := registry.Lookup(plugin.KindReport, Type)
	assert.True(t, ok)
}
