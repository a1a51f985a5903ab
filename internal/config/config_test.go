package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	t.Chdir(t.TempDir())
	t.Setenv("SYNC_INTERVAL", "")
	t.Setenv("SYNC_WORKER_COUNT", "")
	t.Setenv("API_KEYS", "")

	cfg := LoadConfig()
	require.NotNil(t, cfg)
	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "30s", cfg.SyncInterval)
	assert.Equal(t, "4", cfg.SyncWorkerCount)
	assert.Equal(t, "5", cfg.SyncMaxAttempts)
	assert.Equal(t, "sqlite", cfg.StorageBackend)
	assert.Equal(t, []string{"demo"}, cfg.APIKeyList())
	assert.Nil(t, cfg.LogSink())
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	t.Chdir(t.TempDir())
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("SYNC_INTERVAL", "45s")
	t.Setenv("API_KEYS", " till-1 , ,till-2")
	t.Setenv("LOG_FILE", "")
	t.Setenv("STREAM_ORIGINS", "pos.local:*")

	cfg := LoadConfig()
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "45s", cfg.SyncInterval)
	assert.Equal(t, []string{"till-1", "till-2"}, cfg.APIKeyList())
	assert.Equal(t, []string{"pos.local:*"}, cfg.StreamOriginList())
}

func TestLoadConfigLogFile(t *testing.T) {
	previous := slog.Default()
	defer slog.SetDefault(previous)

	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "till.log")
	t.Setenv("LOG_FILE", path)

	cfg := LoadConfig()
	require.NotNil(t, cfg.LogSink())
	assert.Equal(t, 10, cfg.LogSink().MaxSizeMB)
	require.NoError(t, cfg.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Configuration loaded")
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, 7, ParseInt("7", 1))
	assert.Equal(t, 1, ParseInt("seven", 1))
	assert.Equal(t, 1, ParseInt("", 1))
	assert.Equal(t, int64(1<<30), ParseInt64("1073741824", 0))
	assert.Equal(t, int64(9), ParseInt64("x", 9))
	assert.Equal(t, 90*time.Second, ParseDuration("1m30s", time.Second))
	assert.Equal(t, time.Second, ParseDuration("soon", time.Second))
	assert.True(t, ParseBool("on", false))
	assert.False(t, ParseBool("disabled", true))
	assert.True(t, ParseBool("maybe", true))
}
