package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "ensemble", cfg.ServiceName)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Positive(t, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 5*time.Minute, cfg.Scheduler.AttemptTimeout)
	assert.Equal(t, 24*time.Hour, cfg.HITL.ApprovalTTL)
	assert.Equal(t, 10, cfg.HITL.CounterInitial)
	assert.True(t, cfg.HITL.CounterEnabled)
	assert.Equal(t, 1024, cfg.Events.SubscriberQueueSize)
	assert.Equal(t, 7*24*time.Hour, cfg.Events.RetentionTTL)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfigFile(t, `
service_name: ensemble-test
http:
  port: 9090
redis:
  url: redis://redis.internal:6379
  key_prefix: staging
scheduler:
  worker_count: 4
  attempt_timeout: 90s
hitl:
  approval_ttl: 1h
  counter_initial: 3
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ensemble-test", cfg.ServiceName)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "staging", cfg.Redis.KeyPrefix)
	assert.Equal(t, 4, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.AttemptTimeout)
	assert.Equal(t, time.Hour, cfg.HITL.ApprovalTTL)
	assert.Equal(t, 3, cfg.HITL.CounterInitial)

	// Fields absent from the file keep their defaults
	assert.Equal(t, 30*time.Second, cfg.HTTP.ReadTimeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := writeConfigFile(t, "service_name: [not closed")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	path := writeConfigFile(t, `
http:
  port: 9090
redis:
  url: redis://from-file:6379
`)

	t.Setenv("ENSEMBLE_HTTP_PORT", "7070")
	t.Setenv("ENSEMBLE_REDIS_URL", "redis://from-env:6379")
	t.Setenv("ENSEMBLE_SERVICE_NAME", "ensemble-env")
	t.Setenv("ENSEMBLE_WORKER_COUNT", "2")
	t.Setenv("ENSEMBLE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTP.Port)
	assert.Equal(t, "redis://from-env:6379", cfg.Redis.URL)
	assert.Equal(t, "ensemble-env", cfg.ServiceName)
	assert.Equal(t, 2, cfg.Scheduler.WorkerCount)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.HTTP.Port = 0 }},
		{"port too large", func(c *Config) { c.HTTP.Port = 70000 }},
		{"empty redis url", func(c *Config) { c.Redis.URL = "" }},
		{"zero workers", func(c *Config) { c.Scheduler.WorkerCount = 0 }},
		{"zero subscriber queue", func(c *Config) { c.Events.SubscriberQueueSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}
