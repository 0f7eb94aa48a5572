package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("", "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 1000, cfg.Storage.EventRetention)
	assert.Equal(t, 30*24*time.Hour, cfg.Webhooks.ProcessedTTL)
	assert.Equal(t, 3, cfg.Webhooks.MaxAttempts)
	assert.Equal(t, "*/15 * * * *", cfg.Jobs.ReplaySchedule)
	assert.Equal(t, "gobilling", cfg.Metrics.Namespace)
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("GOBILLING_LISTEN_ADDR", ":9090")
	t.Setenv("GOBILLING_STORAGE_BACKEND", "redis")
	t.Setenv("GOBILLING_STORAGE_REDIS_ADDR", "redis:6379")
	t.Setenv("GOBILLING_CREDITS_API_KEY", "key_123")
	t.Setenv("GOBILLING_WEBHOOKS_PROCESSED_TTL", "48h")

	cfg, err := loadConfig("", "")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, "redis:6379", cfg.Storage.RedisAddr)
	assert.Equal(t, "key_123", cfg.Credits.APIKey)
	assert.Equal(t, 48*time.Hour, cfg.Webhooks.ProcessedTTL)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gobilling.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_format: console
storage:
  backend: postgres
  postgres_dsn: postgres://localhost/billing
credits:
  base_url: https://credits.example.com/v1
jobs:
  replay_schedule: "@every 5m"
`), 0o600))

	cfg, err := loadConfig(path, "")
	require.NoError(t, err)

	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/billing", cfg.Storage.PostgresDSN)
	assert.Equal(t, "https://credits.example.com/v1", cfg.Credits.BaseURL)
	assert.Equal(t, "@every 5m", cfg.Jobs.ReplaySchedule)
}

func TestLoadConfig_EnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("GOBILLING_CURRENCY=eur\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("GOBILLING_CURRENCY") })

	cfg, err := loadConfig("", path)
	require.NoError(t, err)
	assert.Equal(t, "eur", cfg.Currency)

	// A missing dotenv file is not an error
	_, err = loadConfig("", filepath.Join(dir, "missing.env"))
	assert.NoError(t, err)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"GOBILLING_STORAGE_BACKEND": "dynamo"}},
		{"postgres without dsn", map[string]string{"GOBILLING_STORAGE_BACKEND": "postgres"}},
		{"tiered without dsn", map[string]string{"GOBILLING_STORAGE_BACKEND": "tiered"}},
		{"firestore without project", map[string]string{"GOBILLING_STORAGE_BACKEND": "firestore"}},
		{"bad log format", map[string]string{"GOBILLING_LOG_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig("", "")
			assert.Error(t, err)
		})
	}
}
