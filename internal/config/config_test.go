package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.RetryBaseDelay.Std())
	assert.Equal(t, 60*time.Second, cfg.Queue.RetryMaxDelay.Std())
	assert.Equal(t, 100, cfg.Queue.BatchSize)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "memory", cfg.Locks.Backend)
	assert.Equal(t, "storage", cfg.Notify.Backend)
}

func TestLoad_MissingFilesUseDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Queue.BatchSize)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	data := `
queue:
  max_attempts: 5
  retry_base_delay: 250ms
storage:
  backend: memory
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(data), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.RetryBaseDelay.Std())
	assert.Equal(t, "memory", cfg.Storage.Backend)
	// Untouched values keep their defaults.
	assert.Equal(t, 100, cfg.Queue.BatchSize)
}

func TestLoad_LocalFileOverridesBase(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"),
		[]byte("queue:\n  batch_size: 10\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.yml"),
		[]byte("queue:\n  batch_size: 25\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Queue.BatchSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAY_STORAGE_BACKEND", "memory")
	t.Setenv("RELAY_MAX_ATTEMPTS", "7")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 7, cfg.Queue.MaxAttempts)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }},
		{"zero batch size", func(c *Config) { c.Queue.BatchSize = 0 }},
		{"max delay below base", func(c *Config) { c.Queue.RetryMaxDelay = c.Queue.RetryBaseDelay / 2 }},
		{"unknown storage backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"unknown locks backend", func(c *Config) { c.Locks.Backend = "zookeeper" }},
		{"unknown notify backend", func(c *Config) { c.Notify.Backend = "kafka" }},
		{"nats without url", func(c *Config) { c.Notify.Backend = "nats" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_YAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"),
		[]byte("queue:\n  poll_interval: 1500000000\n  lock_timeout: 2m\n"), 0o644))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, loaded.Queue.PollInterval.Std())
	assert.Equal(t, 2*time.Minute, loaded.Queue.LockTimeout.Std())
}
