package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alertbus.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0600))

	valid := CLIConfig{ConfigPath: path, LogLevel: "info", LogFormat: "json"}
	assert.NoError(t, validateFlags(&valid))

	tests := []struct {
		name   string
		mutate func(*CLIConfig)
	}{
		{"missing config", func(c *CLIConfig) { c.ConfigPath = filepath.Join(t.TempDir(), "absent.json") }},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "loud" }},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, validateFlags(&cfg))
		})
	}

	version := CLIConfig{ShowVersion: true, ConfigPath: "/nonexistent"}
	assert.NoError(t, validateFlags(&version), "version skips checks")
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger("debug", "text")
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(context.Background(), -4))

	logger = setupLogger("warn", "json")
	assert.False(t, logger.Enabled(context.Background(), 0))
}
