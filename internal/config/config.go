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

	// Database settings. An empty DatabaseURL selects the embedded
	// SQLite store at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// Auth settings. An empty public key path disables authentication.
	JWTPublicKeyPath string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("MIRU_PORT", 8080),
		ReadTimeout:         envDuration("MIRU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("MIRU_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("MIRU_DATABASE_URL", ""),
		SQLitePath:          envStr("MIRU_SQLITE_PATH", "miru.db"),
		JWTPublicKeyPath:    envStr("MIRU_JWT_PUBLIC_KEY", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "miru"),
		LogLevel:            envStr("MIRU_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("MIRU_MAX_REQUEST_BODY_BYTES", 16*1024*1024)), // 16 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: MIRU_DATABASE_URL or MIRU_SQLITE_PATH is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: MIRU_PORT must be a valid port, got %d", c.Port)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MIRU_MAX_REQUEST_BODY_BYTES must be positive")
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

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
