package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/queuectl/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{
		"QUEUECTL_DB", "POLL_INTERVAL", "RECLAIM_AFTER", "LOG_FORMAT", "APP_ENV",
		"DB_BUSY_TIMEOUT_MS", "SHUTDOWN_TIMEOUT_SECONDS", "AUTO_MIGRATE",
	} {
		t.Setenv(k, "") // restores the original value on cleanup
		require.NoError(t, os.Unsetenv(k))
	}
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "./queue.db", cfg.DatabaseURL)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, time.Minute, cfg.ReclaimAfter)
	assert.Equal(t, 5*time.Second, cfg.BusyTimeout())
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout())
	assert.True(t, cfg.AutoMigrate)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("QUEUECTL_DB", "postgres://q@localhost/queue")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("RECLAIM_AFTER", "0s")
	t.Setenv("APP_ENV", "production")
	t.Setenv("DB_BUSY_TIMEOUT_MS", "250")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://q@localhost/queue", cfg.DatabaseURL)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Zero(t, cfg.ReclaimAfter)
	assert.Equal(t, 250*time.Millisecond, cfg.BusyTimeout())
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	_, err := config.Load()
	require.Error(t, err)
}
