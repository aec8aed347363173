package config

import (
	"os"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configKeys = []string{
	"SERVER_PORT", "PORT", "REDIS_URL", "KIDAUTH_REDIS_URL", "RATE_LIMIT_BACKEND",
	"KID_SESSION_TTL", "PIN_VERIFY_MAX_ATTEMPTS", "CHILD_PIN_LOCKOUT",
	"CORS_ALLOWED_ORIGINS", "LEGACY_UNSCOPED_PIN_VERIFICATION", "EVENTS_EXCHANGE",
	"CHILD_EVENTS_QUEUE",
}

func resetEnv(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	for _, key := range configKeys {
		unsetEnvWithCleanup(t, key)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetEnv(t)

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServerPort)
	assert.Equal(t, RateLimitBackendMemory, cfg.RateLimitBackend)
	assert.Equal(t, "chorechart:rate_limit", cfg.RedisRateLimitPrefix)
	assert.Equal(t, "chorechart.events", cfg.EventsExchange)
	assert.Equal(t, "parent_session", cfg.ParentSessionCookie)
	assert.Equal(t, 8*time.Hour, cfg.KidSessionTTL)
	assert.Equal(t, 5, cfg.PINVerifyMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.PINVerifyWindow)
	assert.Equal(t, 5, cfg.ChildPINMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.ChildPINLockout)
	assert.False(t, cfg.LegacyUnscopedPINVerification)
	assert.False(t, cfg.TrustProxyHeaders)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 1200*time.Millisecond, cfg.OutboxPollInterval)
	assert.Equal(t, "kidauth.child-events", cfg.ChildEventsQueue)
}

func TestLoadConfig_PortOverridesServerPort(t *testing.T) {
	resetEnv(t)
	setEnvWithCleanup(t, "SERVER_PORT", "9000")
	setEnvWithCleanup(t, "PORT", "7000")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.ServerPort)
}

func TestLoadConfig_InvalidValuesFallBackToDefaults(t *testing.T) {
	resetEnv(t)
	setEnvWithCleanup(t, "KID_SESSION_TTL", "-1h")
	setEnvWithCleanup(t, "PIN_VERIFY_MAX_ATTEMPTS", "0")
	setEnvWithCleanup(t, "CHILD_PIN_LOCKOUT", "0s")
	setEnvWithCleanup(t, "RATE_LIMIT_BACKEND", "memcached")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 8*time.Hour, cfg.KidSessionTTL)
	assert.Equal(t, 5, cfg.PINVerifyMaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.ChildPINLockout)
	assert.Equal(t, RateLimitBackendMemory, cfg.RateLimitBackend)
}

func TestLoadConfig_RedisBackendRequiresURL(t *testing.T) {
	resetEnv(t)
	setEnvWithCleanup(t, "RATE_LIMIT_BACKEND", "redis")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, RateLimitBackendMemory, cfg.RateLimitBackend)

	viper.Reset()
	setEnvWithCleanup(t, "KIDAUTH_REDIS_URL", "redis://localhost:6379/0")
	cfg, err = LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, RateLimitBackendRedis, cfg.RateLimitBackend)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoadConfig_ParsesListsAndFlags(t *testing.T) {
	resetEnv(t)
	setEnvWithCleanup(t, "CORS_ALLOWED_ORIGINS", "https://app.chorechart.io, https://kids.chorechart.io")
	setEnvWithCleanup(t, "LEGACY_UNSCOPED_PIN_VERIFICATION", "true")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.chorechart.io", "https://kids.chorechart.io"}, cfg.CORSAllowedOrigins)
	assert.True(t, cfg.LegacyUnscopedPINVerification)
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
