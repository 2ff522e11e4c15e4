// Package config loads agent settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fleetops/offlineq/pkg/logger"
	"github.com/joho/godotenv"
)

// Config holds every setting the binaries need.
type Config struct {
	StoreDriver string
	RedisAddr   string
	SQLitePath  string
	QueueKey    string

	BackendURL    string
	BackendAPIKey string

	MaxRetries      int
	DispatchTimeout time.Duration
	SyncSchedule    string
	ProbeInterval   time.Duration

	HTTPAddr    string
	MetricsAddr string
	APIKey      string

	AppEnv   string
	LogLevel string
}

// Load reads .env files (if present) and then the environment. Variables
// already set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := Config{
		StoreDriver:   getEnv("STORE_DRIVER", "redis"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		SQLitePath:    getEnv("SQLITE_PATH", "data/offlineq.db"),
		QueueKey:      getEnv("QUEUE_KEY", "offline_queue"),
		BackendURL:    os.Getenv("BACKEND_URL"),
		BackendAPIKey: os.Getenv("BACKEND_API_KEY"),
		SyncSchedule:  getEnv("SYNC_SCHEDULE", "@every 1m"),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8081"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":8080"),
		APIKey:        os.Getenv("API_KEY"),
		AppEnv:        os.Getenv("APP_ENV"),
		LogLevel:      os.Getenv("LOG_LEVEL"),
	}

	// The logger initialised before .env was read.
	logger.Configure(cfg.AppEnv, cfg.LogLevel)

	var err error
	if cfg.MaxRetries, err = getEnvAsInt("MAX_RETRIES", 3); err != nil {
		return Config{}, err
	}
	if cfg.DispatchTimeout, err = getEnvAsDuration("DISPATCH_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ProbeInterval, err = getEnvAsDuration("PROBE_INTERVAL", 10*time.Second); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Validate checks that the settings are usable.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("config: STORE_DRIVER must be redis or sqlite, got %q", c.StoreDriver)
	}
	if c.BackendURL == "" {
		return fmt.Errorf("config: BACKEND_URL is required")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("config: PROBE_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// Helper convert env -> int
func getEnvAsInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return i, nil
}

func getEnvAsDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
