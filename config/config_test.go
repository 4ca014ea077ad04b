package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "valve/state", cfg.Topics.Valve)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"http": {"addr": ":9090"},
		"broker": {"url": "tcp://broker:1883", "clientId": "unit-7"},
		"storage": {"dir": "/var/lib/pumpsync"}
	}`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "tcp://broker:1883", cfg.Broker.URL)
	assert.Equal(t, "unit-7", cfg.Broker.ClientID)
	assert.Equal(t, "/var/lib/pumpsync", cfg.Storage.Dir)
	// Untouched sections keep their defaults
	assert.Equal(t, "valve/state", cfg.Topics.Valve)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"broker": {"url": "tcp://from-file:1883"}}`), 0o600))

	t.Setenv("PUMPSYNC_BROKER_URL", "tcp://from-env:1883")
	t.Setenv("PUMPSYNC_NATS_URL", "nats://fanout:4222")
	t.Setenv("PUMPSYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp://from-env:1883", cfg.Broker.URL)
	assert.True(t, cfg.NATS.Enabled, "setting the nats url enables fan-out")
	assert.Equal(t, "nats://fanout:4222", cfg.NATS.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty http addr", func(c *Config) { c.HTTP.Addr = "" }},
		{"empty broker url", func(c *Config) { c.Broker.URL = "" }},
		{"nats enabled without url", func(c *Config) { c.NATS.Enabled = true }},
		{"empty valve topic", func(c *Config) { c.Topics.Valve = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
