package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/larenas/sagaflow/pkg/schema"
)

// Config holds all sagaflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`

	// QueueMode selects step dispatch: "sync" (in-process loop), "memory"
	// (in-memory job queue), or "libsql" (persistent queue on the store DB).
	QueueMode    string `json:"queue_mode"`
	PoolSize     int    `json:"pool_size"`
	QueueLease   string `json:"queue_lease"`
	PollInterval string `json:"poll_interval"`

	HeartbeatInterval string `json:"heartbeat_interval"`
	PreconditionTTL   string `json:"precondition_ttl"`

	RecoveryStaleness string `json:"recovery_staleness"`
	RecoverySchedule  string `json:"recovery_schedule"`

	Retry schema.RetryConfig `json:"retry"`

	BreakerThreshold int    `json:"breaker_threshold"`
	BreakerRecovery  string `json:"breaker_recovery"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(sagaflowDir(), "sagaflow.db"),
		LogLevel:          "info",
		QueueMode:         "sync",
		PoolSize:          10,
		QueueLease:        "1m",
		PollInterval:      "250ms",
		HeartbeatInterval: "5s",
		PreconditionTTL:   "30s",
		RecoveryStaleness: "5m",
		RecoverySchedule:  "* * * * *",
		BreakerThreshold:  5,
		BreakerRecovery:   "30s",
	}
}

func sagaflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sagaflow"
	}
	return filepath.Join(home, ".sagaflow")
}

func settingsPath() string {
	return filepath.Join(sagaflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SAGAFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SAGAFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SAGAFLOW_QUEUE_MODE"); v != "" {
		cfg.QueueMode = v
	}
	if v := os.Getenv("SAGAFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("SAGAFLOW_QUEUE_LEASE"); v != "" {
		cfg.QueueLease = v
	}
	if v := os.Getenv("SAGAFLOW_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("SAGAFLOW_HEARTBEAT_INTERVAL"); v != "" {
		cfg.HeartbeatInterval = v
	}
	if v := os.Getenv("SAGAFLOW_PRECONDITION_TTL"); v != "" {
		cfg.PreconditionTTL = v
	}
	if v := os.Getenv("SAGAFLOW_RECOVERY_STALENESS"); v != "" {
		cfg.RecoveryStaleness = v
	}
	if v := os.Getenv("SAGAFLOW_RECOVERY_SCHEDULE"); v != "" {
		cfg.RecoverySchedule = v
	}
	if v := os.Getenv("SAGAFLOW_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BreakerThreshold = n
		}
	}
	if v := os.Getenv("SAGAFLOW_BREAKER_RECOVERY"); v != "" {
		cfg.BreakerRecovery = v
	}

	return cfg
}

// duration parses a duration field, falling back on a default when unset or invalid.
func duration(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return fallback
}
