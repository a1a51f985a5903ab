package config

import (
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"pos-sync-engine/internal/utils"
)

// Config holds all configuration for the application
type Config struct {
	Port          string
	Environment   string
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  string
	LogMaxBackups string
	LogMaxAgeDays string

	StorageBackend    string
	StoragePath       string
	StorageQuotaBytes string

	RemoteBackend     string
	RemoteBaseURL     string
	RemoteAPIKey      string
	RemoteDatabaseURL string
	RemoteTimeout     string

	SyncInterval     string
	SyncWorkerCount  string
	SyncMaxAttempts  string
	SyncBackoffBase  string
	SyncBackoffMax   string
	SyncRetention    string
	ConnectivityPoll string
	ConnectivityWait string

	APIKeys         string
	MetricsExporter string
	MetricsAddr     string
	StreamOrigins   string

	CentralPort                     string
	IdempotencyCacheTTL             string
	IdempotencyCacheCleanupInterval string
	RateLimitEnabled                string
	RateLimitRequests               string
	RateLimitWindow                 string

	logCloser io.Closer
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() *Config {
	// Existing environment variables win over the .env file
	err := godotenv.Load()
	envLoaded := err == nil

	config := &Config{
		Port:          getEnvWithDefault("PORT", "8081"),
		Environment:   getEnvWithDefault("ENVIRONMENT", "development"),
		LogLevel:      getEnvWithDefault("LOG_LEVEL", "info"),
		LogFile:       getEnvWithDefault("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvWithDefault("LOG_MAX_SIZE_MB", "10"),
		LogMaxBackups: getEnvWithDefault("LOG_MAX_BACKUPS", "5"),
		LogMaxAgeDays: getEnvWithDefault("LOG_MAX_AGE_DAYS", "30"),

		StorageBackend:    getEnvWithDefault("STORAGE_BACKEND", "sqlite"),
		StoragePath:       getEnvWithDefault("STORAGE_PATH", "./data/possync.db"),
		StorageQuotaBytes: getEnvWithDefault("STORAGE_QUOTA_BYTES", "268435456"),

		RemoteBackend:     getEnvWithDefault("REMOTE_BACKEND", "http"),
		RemoteBaseURL:     getEnvWithDefault("REMOTE_BASE_URL", "http://localhost:8080"),
		RemoteAPIKey:      getEnvWithDefault("REMOTE_API_KEY", "demo"),
		RemoteDatabaseURL: getEnvWithDefault("REMOTE_DATABASE_URL", ""),
		RemoteTimeout:     getEnvWithDefault("REMOTE_TIMEOUT", "15s"),

		SyncInterval:     getEnvWithDefault("SYNC_INTERVAL", "30s"),
		SyncWorkerCount:  getEnvWithDefault("SYNC_WORKER_COUNT", "4"),
		SyncMaxAttempts:  getEnvWithDefault("SYNC_MAX_ATTEMPTS", "5"),
		SyncBackoffBase:  getEnvWithDefault("SYNC_BACKOFF_BASE", "2s"),
		SyncBackoffMax:   getEnvWithDefault("SYNC_BACKOFF_MAX", "5m"),
		SyncRetention:    getEnvWithDefault("SYNC_RETENTION", "24h"),
		ConnectivityPoll: getEnvWithDefault("CONNECTIVITY_PROBE_INTERVAL", "10s"),
		ConnectivityWait: getEnvWithDefault("CONNECTIVITY_DEBOUNCE", "2s"),

		APIKeys:         getEnvWithDefault("API_KEYS", "demo"),
		MetricsExporter: getEnvWithDefault("METRICS_EXPORTER", "none"),
		MetricsAddr:     getEnvWithDefault("METRICS_ADDR", ":9080"),
		StreamOrigins:   getEnvWithDefault("STREAM_ORIGINS", ""),

		CentralPort:                     getEnvWithDefault("CENTRAL_PORT", "8080"),
		IdempotencyCacheTTL:             getEnvWithDefault("IDEMPOTENCY_CACHE_TTL", "10m"),
		IdempotencyCacheCleanupInterval: getEnvWithDefault("IDEMPOTENCY_CACHE_CLEANUP_INTERVAL", "1m"),
		RateLimitEnabled:                getEnvWithDefault("RATE_LIMIT_ENABLED", "true"),
		RateLimitRequests:               getEnvWithDefault("RATE_LIMIT_REQUESTS", "600"),
		RateLimitWindow:                 getEnvWithDefault("RATE_LIMIT_WINDOW", "1m"),
	}

	config.logCloser = utils.SetupLogging(config.LogLevel, config.LogSink())

	if envLoaded {
		slog.Info("Successfully loaded .env file")
	} else {
		slog.Debug("No .env file loaded, using system environment variables only", "error", err)
	}

	slog.Info("Configuration loaded",
		"port", config.Port,
		"environment", config.Environment,
		"logLevel", config.LogLevel,
		"storageBackend", config.StorageBackend,
		"storagePath", config.StoragePath,
		"storageQuotaBytes", config.StorageQuotaBytes,
		"remoteBackend", config.RemoteBackend,
		"remoteBaseURL", config.RemoteBaseURL,
		"syncInterval", config.SyncInterval,
		"syncWorkerCount", config.SyncWorkerCount,
		"syncMaxAttempts", config.SyncMaxAttempts,
		"metricsExporter", config.MetricsExporter)

	if config.IsProduction() && slices.Contains(config.APIKeyList(), "demo") {
		slog.Warn("API_KEYS still contains the demo key in production")
	}

	return config
}

// Close flushes and closes the rotating log file, if any
func (c *Config) Close() error {
	if c.logCloser == nil {
		return nil
	}
	return c.logCloser.Close()
}

// LogSink returns the rotating file settings, or nil when LOG_FILE is unset
func (c *Config) LogSink() *utils.FileSink {
	if c.LogFile == "" {
		return nil
	}
	return &utils.FileSink{
		Path:       c.LogFile,
		MaxSizeMB:  ParseInt(c.LogMaxSizeMB, 10),
		MaxBackups: ParseInt(c.LogMaxBackups, 5),
		MaxAgeDays: ParseInt(c.LogMaxAgeDays, 30),
	}
}

// APIKeyList splits API_KEYS into trimmed, non-empty keys
func (c *Config) APIKeyList() []string {
	return splitList(c.APIKeys)
}

// StreamOriginList splits STREAM_ORIGINS into websocket origin patterns
func (c *Config) StreamOriginList() []string {
	return splitList(c.StreamOrigins)
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnvWithDefault gets an environment variable with a default fallback
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ParseInt parses a string to int with a default value
func ParseInt(value string, defaultValue int) int {
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		slog.Warn("Invalid integer value, using default",
			"value", value, "default", defaultValue, "error", err)
		return defaultValue
	}
	return parsed
}

// ParseInt64 parses a string to int64 with a default value
func ParseInt64(value string, defaultValue int64) int64 {
	if value == "" {
		return defaultValue
	}

	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		slog.Warn("Invalid integer value, using default",
			"value", value, "default", defaultValue, "error", err)
		return defaultValue
	}
	return parsed
}

// ParseDuration parses a Go duration string with a default value
func ParseDuration(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}

	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		slog.Warn("Invalid duration value, using default",
			"value", value, "default", defaultValue.String(), "error", err)
		return defaultValue
	}
	return parsed
}

// ParseBool parses a string to bool with a default value
func ParseBool(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on", "enabled":
		return true
	case "false", "0", "no", "off", "disabled":
		return false
	default:
		slog.Warn("Invalid boolean value, using default",
			"value", value, "default", defaultValue)
		return defaultValue
	}
}
