package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "sync", cfg.QueueMode)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, "5m", cfg.RecoveryStaleness)
	assert.Equal(t, "* * * * *", cfg.RecoverySchedule)
	assert.Contains(t, cfg.DBPath, "sagaflow.db")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("SAGAFLOW_DB_PATH", "/tmp/test.db")
	t.Setenv("SAGAFLOW_LOG_LEVEL", "debug")
	t.Setenv("SAGAFLOW_QUEUE_MODE", "libsql")
	t.Setenv("SAGAFLOW_POOL_SIZE", "4")
	t.Setenv("SAGAFLOW_RECOVERY_STALENESS", "10m")

	cfg := loadConfig()

	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "libsql", cfg.QueueMode)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, "10m", cfg.RecoveryStaleness)
}

func TestLoadConfigIgnoresBadPoolSize(t *testing.T) {
	t.Setenv("SAGAFLOW_POOL_SIZE", "not-a-number")

	cfg := loadConfig()
	assert.Equal(t, 10, cfg.PoolSize)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, duration("5s", time.Minute))
	assert.Equal(t, time.Minute, duration("", time.Minute))
	assert.Equal(t, time.Minute, duration("junk", time.Minute))
	assert.Equal(t, time.Minute, duration("-3s", time.Minute))
}
