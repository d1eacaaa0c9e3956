package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTP_PORT    int
	METRICS_PORT int

	HOPX_API_KEY  string
	HOPX_BASE_URL string
	HOPX_TEMPLATE string

	SANDBOX_TTL           time.Duration
	HEALTH_CACHE_DURATION time.Duration
	EXPIRY_BUFFER         time.Duration

	BREAKER_MAX_FAILURES     int
	BREAKER_RECOVERY_TIMEOUT time.Duration

	MAX_EXECUTION_TIMEOUT time.Duration

	MAX_SESSIONS             int
	SESSION_IDLE_TIMEOUT     time.Duration
	SESSION_CLEANUP_INTERVAL time.Duration
	HEARTBEAT_INTERVAL       time.Duration
	MAX_COMMAND_HISTORY      int

	AUTH_ENABLED bool
	JWT_SECRET   string

	DB_USERNAME string
	DB_PASSWORD string
	DB_HOST     string
	DB_PORT     string
	DB_NAME     string
	DISABLE_TLS string

	REDIS_ADDR     string
	REDIS_PASSWORD string
	REDIS_DB       int

	JOB_RETENTION time.Duration

	OTEL_EXPORTER_OTLP_ENDPOINT string
}

func ReadConfig() *Config {
	return &Config{
		HTTP_PORT:    getEnvInt("HTTP_PORT", 6060),
		METRICS_PORT: getEnvInt("METRICS_PORT", 9091),

		HOPX_API_KEY:  os.Getenv("HOPX_API_KEY"),
		HOPX_BASE_URL: GetEnvOrDefault("HOPX_BASE_URL", "https://api.hopx.ai"),
		HOPX_TEMPLATE: GetEnvOrDefault("HOPX_TEMPLATE", "code-interpreter"),

		SANDBOX_TTL:           getEnvDuration("SANDBOX_TTL", 1000*time.Second),
		HEALTH_CACHE_DURATION: getEnvDuration("HEALTH_CACHE_DURATION", 10*time.Second),
		EXPIRY_BUFFER:         getEnvDuration("EXPIRY_BUFFER", 5*time.Minute),

		BREAKER_MAX_FAILURES:     getEnvInt("BREAKER_MAX_FAILURES", 3),
		BREAKER_RECOVERY_TIMEOUT: getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),

		MAX_EXECUTION_TIMEOUT: getEnvDuration("MAX_EXECUTION_TIMEOUT", 15*time.Minute),

		MAX_SESSIONS:             getEnvInt("MAX_SESSIONS", 50),
		SESSION_IDLE_TIMEOUT:     getEnvDuration("SESSION_IDLE_TIMEOUT", 15*time.Minute),
		SESSION_CLEANUP_INTERVAL: getEnvDuration("SESSION_CLEANUP_INTERVAL", 2*time.Minute),
		HEARTBEAT_INTERVAL:       getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		MAX_COMMAND_HISTORY:      getEnvInt("MAX_COMMAND_HISTORY", 100),

		AUTH_ENABLED: os.Getenv("AUTH_ENABLED") == "true",
		JWT_SECRET:   os.Getenv("JWT_SECRET"),

		DB_USERNAME: os.Getenv("DB_USERNAME"),
		DB_PASSWORD: os.Getenv("DB_PASSWORD"),
		DB_HOST:     os.Getenv("DB_HOST"),
		DB_PORT:     GetEnvOrDefault("DB_PORT", "5432"),
		DB_NAME:     os.Getenv("DB_NAME"),
		DISABLE_TLS: os.Getenv("DISABLE_TLS"),

		REDIS_ADDR:     os.Getenv("REDIS_ADDR"),
		REDIS_PASSWORD: os.Getenv("REDIS_PASSWORD"),
		REDIS_DB:       getEnvInt("REDIS_DB", 0),

		JOB_RETENTION: getEnvDuration("JOB_RETENTION", 24*time.Hour),

		OTEL_EXPORTER_OTLP_ENDPOINT: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// Validate reports configuration the server cannot start without.
func (c *Config) Validate() error {
	if c.HOPX_API_KEY == "" {
		return fmt.Errorf("HOPX_API_KEY is required")
	}
	if c.AUTH_ENABLED && c.JWT_SECRET == "" {
		return fmt.Errorf("JWT_SECRET is required when AUTH_ENABLED=true")
	}
	return nil
}

// DatabaseConfigured reports whether a postgres connection is available. The
// server runs without one; API-key auth then falls back to JWT_SECRET only.
func (c *Config) DatabaseConfigured() bool {
	return c.DB_HOST != "" && c.DB_NAME != ""
}

func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

// getEnvDuration parses a Go duration string ("90s", "15m"). Bare integers
// are accepted as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
