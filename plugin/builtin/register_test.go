package builtin

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/alertbus/config"
	"github.com/c360/alertbus/decode/additional"
	"github.com/c360/alertbus/decode/compressed"
	"github.com/c360/alertbus/errors"
	"github.com/c360/alertbus/plugin"
)

func TestRegister(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	assert.Equal(t, []string{"additional", "compressed"}, registry.Names(plugin.KindDecoder))
	assert.Equal(t, []string{"rule"}, registry.Names(plugin.KindFilter))
	assert.Equal(t, []string{"debug", "file", "httppost", "relay", "sqlite"}, registry.Names(plugin.KindReport))
}

func TestRegister_Twice(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)
	assert.Error(t, Register(registry))
}

func TestRegister_NilRegistry(t *testing.T) {
	err := Register(nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestActivateBuiltins(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	dir := t.TempDir()
	fileCfg, err := json.Marshal(map[string]any{"path": filepath.Join(dir, "alerts.jsonl")})
	require.NoError(t, err)
	dbCfg, err := json.Marshal(map[string]any{"path": filepath.Join(dir, "alerts.db"), "pool_size": 1})
	require.NoError(t, err)

	a, err := registry.Activate(
		[]config.DecoderConfig{
			{Name: "additional"},
			{Name: "compressed", Config: json.RawMessage(`{"max_decoded_size": 65536}`)},
		},
		[]config.ReportConfig{
			{Name: "audit", Type: "file", Config: fileCfg},
			{Name: "db", Type: "sqlite", Config: dbCfg, Filters: []config.FilterConfig{{
				Type:   "rule",
				Config: json.RawMessage(`{"rules": [{"path": "alert.assessment.severity", "operator": "eq", "value": "high"}]}`),
			}}},
		},
		plugin.Dependencies{},
	)
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, []uint8{additional.SubTag, compressed.SubTag}, a.Decoders.SubTags())
	assert.Equal(t, []string{"audit", "db"}, a.Reports.Names())
}

func TestActivateBuiltins_BadRule(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	_, err = registry.Activate(nil, []config.ReportConfig{{
		Name:    "dbg",
		Type:    "debug",
		Filters: []config.FilterConfig{{Type: "rule", Config: json.RawMessage(`{"rules": [{"path": "alert.x", "operator": "near"}]}`)}},
	}}, plugin.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestActivateBuiltins_RelayWithoutNATS(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	_, err = registry.Activate(nil, []config.ReportConfig{{
		Name:   "up",
		Type:   "relay",
		Config: json.RawMessage(`{"subject": "ids.relay"}`),
	}}, plugin.Dependencies{})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
