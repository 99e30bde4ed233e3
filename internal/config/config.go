// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Security
	AdminSecret  string // X-Admin-Secret value; empty means demo mode
	RateLimitRPM int

	// Tracing
	OTLPEndpoint string

	// Verification
	VerifyInterval        time.Duration // scheduled re-verification period; 0 disables the worker
	VerifyBatchLimit      int
	ProbeTimeout          time.Duration
	BatchPacing           time.Duration
	AllowPrivateEndpoints bool // skip the SSRF guard (local development only)

	// Per-host probe circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultRateLimit        = 120
	DefaultVerifyInterval   = time.Hour
	DefaultVerifyBatchLimit = 50
	DefaultProbeTimeout     = 10 * time.Second
	DefaultBatchPacing      = 100 * time.Millisecond
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 10 * time.Minute

	maxBatchLimit   = 100
	maxProbeTimeout = time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		VerifyInterval:        getEnvDuration("VERIFY_INTERVAL", DefaultVerifyInterval),
		VerifyBatchLimit:      int(getEnvInt64("VERIFY_BATCH_LIMIT", DefaultVerifyBatchLimit)),
		ProbeTimeout:          getEnvDuration("PROBE_TIMEOUT", DefaultProbeTimeout),
		BatchPacing:           getEnvDuration("BATCH_PACING", DefaultBatchPacing),
		AllowPrivateEndpoints: getEnvBool("ALLOW_PRIVATE_ENDPOINTS", false),
		BreakerThreshold:      int(getEnvInt64("PROBE_BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:       getEnvDuration("PROBE_BREAKER_COOLDOWN", DefaultBreakerCooldown),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}
	if c.VerifyInterval < 0 {
		return fmt.Errorf("VERIFY_INTERVAL must not be negative")
	}
	if c.VerifyBatchLimit <= 0 || c.VerifyBatchLimit > maxBatchLimit {
		return fmt.Errorf("VERIFY_BATCH_LIMIT must be between 1 and %d", maxBatchLimit)
	}
	if c.ProbeTimeout <= 0 || c.ProbeTimeout > maxProbeTimeout {
		return fmt.Errorf("PROBE_TIMEOUT must be positive and at most %s", maxProbeTimeout)
	}
	if c.BatchPacing < 0 {
		return fmt.Errorf("BATCH_PACING must not be negative")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}
	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.AllowPrivateEndpoints {
			return fmt.Errorf("ALLOW_PRIVATE_ENDPOINTS cannot be enabled in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") and bare integers as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
