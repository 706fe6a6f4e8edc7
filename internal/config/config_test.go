package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loomerrors "loom/internal/errors"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "gpt-4", cfg.Gateway.DefaultModel)
	assert.Equal(t, []string{"gpt-3.5-turbo"}, cfg.Gateway.FallbackModels)
	assert.Equal(t, 3, cfg.Gateway.MaxRetries)
	assert.InDelta(t, 0.1, cfg.Budget.SafetyMargin, 1e-9)
	assert.Equal(t, 1024, cfg.Bus.BufferCapacity)
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrent)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
gateway:
  default_model: gpt-4o
  fallback_models: [gpt-4, gpt-3.5-turbo]
orchestrator:
  max_concurrent: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "gpt-4o", cfg.Gateway.DefaultModel)
	assert.Equal(t, []string{"gpt-4", "gpt-3.5-turbo"}, cfg.Gateway.FallbackModels)
	assert.Equal(t, 2, cfg.Orchestrator.MaxConcurrent)
	// Untouched sections keep their defaults.
	assert.Equal(t, 64, cfg.Bus.StreamBuffer)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOOM_SERVER_PORT", "7001")
	t.Setenv("LOOM_API_KEY", "sk-test")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port, "environment must beat the file")
	assert.Equal(t, "sk-test", cfg.Gateway.APIKey)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty model", func(c *Config) { c.Gateway.DefaultModel = "" }},
		{"negative retries", func(c *Config) { c.Gateway.MaxRetries = -1 }},
		{"margin too high", func(c *Config) { c.Budget.SafetyMargin = 1.0 }},
		{"no concurrency", func(c *Config) { c.Orchestrator.MaxConcurrent = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			assert.True(t, loomerrors.IsValidation(err), "got %v", err)
		})
	}
}
