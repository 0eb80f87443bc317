// Package config assembles kernel configuration from the environment with
// an optional YAML overlay file. Environment variables win over file
// values, file values win over defaults.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds kernel runtime configuration.
type Config struct {
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level"`
	// DatabaseURL selects the ledger backend: a postgres:// DSN, or a
	// sqlite file path when DatabaseDriver is sqlite.
	DatabaseURL string `yaml:"database_url"`
	// DatabaseDriver is "postgres" or "sqlite".
	DatabaseDriver string `yaml:"database_driver"`
	// RedisAddr enables the idempotency cache when non-empty.
	RedisAddr string `yaml:"redis_addr"`
	// IdempotencyTTL bounds how long seen event ids stay cached.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	// ReplayBatchSize bounds one replay storage read.
	ReplayBatchSize int `yaml:"replay_batch_size"`
	// ReplayEventsPerSecond paces replay dispatch; 0 means unpaced.
	ReplayEventsPerSecond float64 `yaml:"replay_events_per_second"`
	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Load builds configuration from environment variables over defaults.
func Load() *Config {
	cfg := defaults()
	cfg.applyEnv()
	return cfg
}

func defaults() *Config {
	return &Config{
		LogLevel:        "INFO",
		DatabaseURL:     "postgres://stratum@localhost:5432/stratum?sslmode=disable",
		DatabaseDriver:  "postgres",
		IdempotencyTTL:  24 * time.Hour,
		ReplayBatchSize: 500,
	}
}

func (c *Config) applyEnv() {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.DatabaseDriver, "DATABASE_DRIVER")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.OTLPEndpoint, "OTLP_ENDPOINT")

	if v := os.Getenv("IDEMPOTENCY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.IdempotencyTTL = d
		}
	}
	if v := os.Getenv("REPLAY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ReplayBatchSize = n
		}
	}
	if v := os.Getenv("REPLAY_EVENTS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.ReplayEventsPerSecond = f
		}
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
