package syncengine

import (
	"time"

	"pos-sync-engine/internal/config"
)

// Config holds the sync engine tuning knobs
type Config struct {
	// Interval between periodic passes while online
	Interval time.Duration
	// WorkerCount bounds how many record groups are applied concurrently
	WorkerCount int
	// MaxAttempts is the number of retryable failures after which a mutation fails permanently
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// RemoteTimeout bounds a single adapter call
	RemoteTimeout time.Duration
	// SyncedRetention is how long synced mutations stay in local storage for inspection
	SyncedRetention time.Duration
}

// DefaultConfig returns the default engine settings
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		WorkerCount:     4,
		MaxAttempts:     5,
		BackoffBase:     2 * time.Second,
		BackoffMax:      5 * time.Minute,
		RemoteTimeout:   15 * time.Second,
		SyncedRetention: 24 * time.Hour,
	}
}

// ConfigFromEnv builds the engine settings from the loaded application configuration
func ConfigFromEnv(cfg *config.Config) Config {
	defaults := DefaultConfig()
	return Config{
		Interval:        config.ParseDuration(cfg.SyncInterval, defaults.Interval),
		WorkerCount:     config.ParseInt(cfg.SyncWorkerCount, defaults.WorkerCount),
		MaxAttempts:     config.ParseInt(cfg.SyncMaxAttempts, defaults.MaxAttempts),
		BackoffBase:     config.ParseDuration(cfg.SyncBackoffBase, defaults.BackoffBase),
		BackoffMax:      config.ParseDuration(cfg.SyncBackoffMax, defaults.BackoffMax),
		RemoteTimeout:   config.ParseDuration(cfg.RemoteTimeout, defaults.RemoteTimeout),
		SyncedRetention: config.ParseDuration(cfg.SyncRetention, defaults.SyncedRetention),
	}
}

// withDefaults replaces unusable values with defaults
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaults.WorkerCount
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = defaults.RemoteTimeout
	}
	if c.SyncedRetention <= 0 {
		c.SyncedRetention = defaults.SyncedRetention
	}
	return c
}
