// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings.
	DatabasePath string // SQLite file backing the document store and audit log.

	// Reference data settings.
	DataDir      string // Directory holding clinic_slots.yaml, insurance.txt, policy.yaml.
	WatchRefData bool   // Hot-reload clinic offers when the file changes.

	// Scheduler settings.
	RecheckInterval time.Duration // Background re-check cadence.
	BoostInterval   time.Duration // Cadence while a SEEK_SOONER boost is active.
	BoostWindow     time.Duration // How long a boost lasts before expiring.

	// Streaming settings.
	HeartbeatInterval time.Duration // SSE heartbeat cadence per connection.
	SubscriberBuffer  int           // Per-subscriber channel buffer before drops.
	LogWindow         int           // Recent log entries retained for snapshots.

	// Rate limit settings (submission endpoints, keyed by client IP).
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:              envInt("CARELOOP_PORT", 8080),
		ReadTimeout:       envDuration("CARELOOP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      envDuration("CARELOOP_WRITE_TIMEOUT", 30*time.Second),
		DatabasePath:      envStr("CARELOOP_DATABASE_PATH", "careloop.db"),
		DataDir:           envStr("CARELOOP_DATA_DIR", "data"),
		WatchRefData:      envBool("CARELOOP_WATCH_REFDATA", false),
		RecheckInterval:   envDuration("CARELOOP_RECHECK_INTERVAL", 15*time.Second),
		BoostInterval:     envDuration("CARELOOP_BOOST_INTERVAL", 5*time.Second),
		BoostWindow:       envDuration("CARELOOP_BOOST_WINDOW", 60*time.Second),
		HeartbeatInterval: envDuration("CARELOOP_HEARTBEAT_INTERVAL", 15*time.Second),
		SubscriberBuffer:  envInt("CARELOOP_SUBSCRIBER_BUFFER", 64),
		LogWindow:         envInt("CARELOOP_LOG_WINDOW", 200),
		RateLimitEnabled:  envBool("CARELOOP_RATE_LIMIT_ENABLED", false),
		RateLimitRPS:      envFloat("CARELOOP_RATE_LIMIT_RPS", 10),
		RateLimitBurst:    envInt("CARELOOP_RATE_LIMIT_BURST", 30),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "careloop"),
		LogLevel:          envStr("CARELOOP_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: CARELOOP_DATABASE_PATH is required")
	}
	if c.RecheckInterval <= 0 {
		return fmt.Errorf("config: CARELOOP_RECHECK_INTERVAL must be positive")
	}
	if c.BoostInterval <= 0 || c.BoostInterval > c.RecheckInterval {
		return fmt.Errorf("config: CARELOOP_BOOST_INTERVAL must be positive and no longer than the re-check interval")
	}
	if c.BoostWindow <= 0 {
		return fmt.Errorf("config: CARELOOP_BOOST_WINDOW must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: CARELOOP_HEARTBEAT_INTERVAL must be positive")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("config: CARELOOP_SUBSCRIBER_BUFFER must be positive")
	}
	if c.LogWindow <= 0 {
		return fmt.Errorf("config: CARELOOP_LOG_WINDOW must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: CARELOOP_RATE_LIMIT_RPS and CARELOOP_RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
