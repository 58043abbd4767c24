package debug

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/idmef"
	"github.com/c360/alertbus/plugin"
)

func testAlert(t *testing.T) *idmef.Message {
	t.Helper()
	msg := idmef.New()
	require.NoError(t, msg.SetAlert(&idmef.Alert{
		MessageID:      "42",
		Classification: &idmef.Classification{Text: "port scan"},
	}))
	return msg
}

func TestSink_Run(t *testing.T) {
	var buf bytes.Buffer
	s, err := New("dbg", []string{"alert.classification.text", "alert.assessment.severity"}, &buf, nil)
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background(), testAlert(t)))
	require.NoError(t, s.Close())

	assert.Equal(t, "--- START OF MESSAGE\n"+
		"alert.classification.text: port scan\n"+
		"alert.assessment.severity is not set.\n"+
		"--- END OF MESSAGE\n", buf.String())
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("dbg", []string{"alert..text"}, &bytes.Buffer{}, nil)
	require.Error(t, err)

	var cfgErr *errors.ConfigurationError
	assert.True(t, stderrors.As(err, &cfgErr))
}

func TestNewSink_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	raw, err := json.Marshal(Config{Paths: []string{"alert.messageid"}, Output: path})
	require.NoError(t, err)

	s, err := NewSink("dbg", raw, plugin.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "dbg", s.Name())

	require.NoError(t, s.Run(context.Background(), testAlert(t)))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second close is a no-op")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "alert.messageid: 42\n")
}

func TestNewSink_RejectsEmptyPaths(t *testing.T) {
	_, err := NewSink("dbg", json.RawMessage(`{"paths": []}`), plugin.Dependencies{})
	require.Error(t, err)

	var cfgErr *errors.ConfigurationError
	assert.True(t, stderrors.As(err, &cfgErr))
}

func TestRegister(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, Register(registry))

	reg, ok := registry.Lookup(plugin.KindReport, Type)
	require.True(t, ok)
	assert.NotNil(t, reg.Report)
	assert.Error(t, Register(registry), "duplicate registration")
}
