package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestReadConfigDefaults(t *testing.T) {
	clearEnv(t,
		"HTTP_PORT", "METRICS_PORT", "HOPX_TEMPLATE", "SANDBOX_TTL",
		"HEALTH_CACHE_DURATION", "EXPIRY_BUFFER", "BREAKER_MAX_FAILURES",
		"BREAKER_RECOVERY_TIMEOUT", "MAX_EXECUTION_TIMEOUT", "MAX_SESSIONS",
		"SESSION_IDLE_TIMEOUT", "SESSION_CLEANUP_INTERVAL", "HEARTBEAT_INTERVAL",
		"MAX_COMMAND_HISTORY", "JOB_RETENTION", "AUTH_ENABLED")

	conf := ReadConfig()

	assert.Equal(t, 6060, conf.HTTP_PORT)
	assert.Equal(t, 9091, conf.METRICS_PORT)
	assert.Equal(t, "code-interpreter", conf.HOPX_TEMPLATE)
	assert.Equal(t, 1000*time.Second, conf.SANDBOX_TTL)
	assert.Equal(t, 10*time.Second, conf.HEALTH_CACHE_DURATION)
	assert.Equal(t, 5*time.Minute, conf.EXPIRY_BUFFER)
	assert.Equal(t, 3, conf.BREAKER_MAX_FAILURES)
	assert.Equal(t, 30*time.Second, conf.BREAKER_RECOVERY_TIMEOUT)
	assert.Equal(t, 15*time.Minute, conf.MAX_EXECUTION_TIMEOUT)
	assert.Equal(t, 50, conf.MAX_SESSIONS)
	assert.Equal(t, 15*time.Minute, conf.SESSION_IDLE_TIMEOUT)
	assert.Equal(t, 2*time.Minute, conf.SESSION_CLEANUP_INTERVAL)
	assert.Equal(t, 30*time.Second, conf.HEARTBEAT_INTERVAL)
	assert.Equal(t, 100, conf.MAX_COMMAND_HISTORY)
	assert.Equal(t, 24*time.Hour, conf.JOB_RETENTION)
	assert.False(t, conf.AUTH_ENABLED)
}

func TestReadConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("SANDBOX_TTL", "10m")
	t.Setenv("MAX_SESSIONS", "5")
	t.Setenv("AUTH_ENABLED", "true")

	conf := ReadConfig()

	assert.Equal(t, 8080, conf.HTTP_PORT)
	assert.Equal(t, 10*time.Minute, conf.SANDBOX_TTL)
	assert.Equal(t, 5, conf.MAX_SESSIONS)
	assert.True(t, conf.AUTH_ENABLED)
}

func TestDurationAcceptsBareSeconds(t *testing.T) {
	t.Setenv("SANDBOX_TTL", "1000")

	conf := ReadConfig()
	assert.Equal(t, 1000*time.Second, conf.SANDBOX_TTL)
}

func TestDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("EXPIRY_BUFFER", "soon")

	conf := ReadConfig()
	assert.Equal(t, 5*time.Minute, conf.EXPIRY_BUFFER)
}

func TestValidate(t *testing.T) {
	t.Setenv("HOPX_API_KEY", "hx-test")

	conf := ReadConfig()
	require.NoError(t, conf.Validate())

	conf.HOPX_API_KEY = ""
	require.Error(t, conf.Validate())

	conf.HOPX_API_KEY = "hx-test"
	conf.AUTH_ENABLED = true
	conf.JWT_SECRET = ""
	require.Error(t, conf.Validate())

	conf.JWT_SECRET = "secret"
	require.NoError(t, conf.Validate())
}

func TestDatabaseConfigured(t *testing.T) {
	conf := &Config{}
	assert.False(t, conf.DatabaseConfigured())

	conf.DB_HOST = "localhost"
	assert.False(t, conf.DatabaseConfigured())

	conf.DB_NAME = "runbox"
	assert.True(t, conf.DatabaseConfigured())
}
