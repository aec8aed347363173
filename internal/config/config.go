/**
 * @description
 * Configuration for the kidauth-service. Values come from environment
 * variables, with an optional .env file in the given path. Invalid policy
 * values are coerced back to their defaults with a warning.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"

	defaultRedisRateLimitPrefix = "chorechart:rate_limit"
	defaultEventsExchange       = "chorechart.events"
	defaultParentSessionCookie  = "parent_session"
	defaultKidSessionTTL        = 8 * time.Hour
	defaultPINVerifyMaxAttempts = 5
	defaultPINVerifyWindow      = 15 * time.Minute
	defaultChildPINMaxAttempts  = 5
	defaultChildPINLockout      = 15 * time.Minute
	defaultSweepSchedule        = "@every 5m"
	defaultSessionPurgeSchedule = "@hourly"
	defaultOutboxPollInterval   = 1200 * time.Millisecond
	defaultChildEventsQueue     = "kidauth.child-events"
)

// Config holds all the configuration variables for the kidauth-service.
type Config struct {
	ServerPort                    string        `mapstructure:"SERVER_PORT"`
	DatabaseURL                   string        `mapstructure:"DATABASE_URL"`
	RedisURL                      string        `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix          string        `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RateLimitBackend              string        `mapstructure:"RATE_LIMIT_BACKEND"`
	RabbitMQURL                   string        `mapstructure:"RABBITMQ_URL"`
	EventsExchange                string        `mapstructure:"EVENTS_EXCHANGE"`
	ParentSessionSecret           string        `mapstructure:"PARENT_SESSION_SECRET"`
	ParentSessionCookie           string        `mapstructure:"PARENT_SESSION_COOKIE"`
	KidSessionTTL                 time.Duration `mapstructure:"KID_SESSION_TTL"`
	PINVerifyMaxAttempts          int           `mapstructure:"PIN_VERIFY_MAX_ATTEMPTS"`
	PINVerifyWindow               time.Duration `mapstructure:"PIN_VERIFY_WINDOW"`
	ChildPINMaxAttempts           int           `mapstructure:"CHILD_PIN_MAX_ATTEMPTS"`
	ChildPINLockout               time.Duration `mapstructure:"CHILD_PIN_LOCKOUT"`
	LegacyUnscopedPINVerification bool          `mapstructure:"LEGACY_UNSCOPED_PIN_VERIFICATION"`
	CORSAllowedOrigins            []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	TrustProxyHeaders             bool          `mapstructure:"TRUST_PROXY_HEADERS"`
	RateLimitSweepSchedule        string        `mapstructure:"RATE_LIMIT_SWEEP_SCHEDULE"`
	SessionPurgeSchedule          string        `mapstructure:"SESSION_PURGE_SCHEDULE"`
	OutboxPollInterval            time.Duration `mapstructure:"OUTBOX_POLL_INTERVAL"`
	ChildEventsQueue              string        `mapstructure:"CHILD_EVENTS_QUEUE"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRedisRateLimitPrefix)
	viper.SetDefault("RATE_LIMIT_BACKEND", RateLimitBackendMemory)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("PARENT_SESSION_COOKIE", defaultParentSessionCookie)
	viper.SetDefault("KID_SESSION_TTL", defaultKidSessionTTL.String())
	viper.SetDefault("PIN_VERIFY_MAX_ATTEMPTS", defaultPINVerifyMaxAttempts)
	viper.SetDefault("PIN_VERIFY_WINDOW", defaultPINVerifyWindow.String())
	viper.SetDefault("CHILD_PIN_MAX_ATTEMPTS", defaultChildPINMaxAttempts)
	viper.SetDefault("CHILD_PIN_LOCKOUT", defaultChildPINLockout.String())
	viper.SetDefault("LEGACY_UNSCOPED_PIN_VERIFICATION", false)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("TRUST_PROXY_HEADERS", false)
	viper.SetDefault("RATE_LIMIT_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("SESSION_PURGE_SCHEDULE", defaultSessionPurgeSchedule)
	viper.SetDefault("OUTBOX_POLL_INTERVAL", defaultOutboxPollInterval.String())
	viper.SetDefault("CHILD_EVENTS_QUEUE", defaultChildEventsQueue)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "KIDAUTH_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RATE_LIMIT_BACKEND")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PARENT_SESSION_SECRET")
	_ = viper.BindEnv("PARENT_SESSION_COOKIE")
	_ = viper.BindEnv("KID_SESSION_TTL")
	_ = viper.BindEnv("PIN_VERIFY_MAX_ATTEMPTS")
	_ = viper.BindEnv("PIN_VERIFY_WINDOW")
	_ = viper.BindEnv("CHILD_PIN_MAX_ATTEMPTS")
	_ = viper.BindEnv("CHILD_PIN_LOCKOUT")
	_ = viper.BindEnv("LEGACY_UNSCOPED_PIN_VERIFICATION")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("TRUST_PROXY_HEADERS")
	_ = viper.BindEnv("RATE_LIMIT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SESSION_PURGE_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL")
	_ = viper.BindEnv("CHILD_EVENTS_QUEUE")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRedisRateLimitPrefix
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = defaultEventsExchange
	}
	config.ParentSessionCookie = strings.TrimSpace(config.ParentSessionCookie)
	if config.ParentSessionCookie == "" {
		config.ParentSessionCookie = defaultParentSessionCookie
	}

	config.RateLimitBackend = strings.ToLower(strings.TrimSpace(config.RateLimitBackend))
	switch config.RateLimitBackend {
	case RateLimitBackendMemory, RateLimitBackendRedis:
	default:
		slog.Warn("unknown rate limit backend; using memory", "component", "config", "value", config.RateLimitBackend)
		config.RateLimitBackend = RateLimitBackendMemory
	}
	if config.RateLimitBackend == RateLimitBackendRedis && config.RedisURL == "" {
		slog.Warn("redis rate limit backend requested without REDIS_URL; using memory", "component", "config")
		config.RateLimitBackend = RateLimitBackendMemory
	}

	if config.KidSessionTTL <= 0 {
		slog.Warn("invalid KID_SESSION_TTL; using default", "component", "config", "value", config.KidSessionTTL)
		config.KidSessionTTL = defaultKidSessionTTL
	}
	if config.PINVerifyMaxAttempts <= 0 {
		config.PINVerifyMaxAttempts = defaultPINVerifyMaxAttempts
	}
	if config.PINVerifyWindow <= 0 {
		config.PINVerifyWindow = defaultPINVerifyWindow
	}
	if config.ChildPINMaxAttempts <= 0 {
		config.ChildPINMaxAttempts = defaultChildPINMaxAttempts
	}
	if config.ChildPINLockout < time.Second {
		config.ChildPINLockout = defaultChildPINLockout
	}
	if config.OutboxPollInterval <= 0 {
		config.OutboxPollInterval = defaultOutboxPollInterval
	}
	config.ChildEventsQueue = strings.TrimSpace(config.ChildEventsQueue)
	if config.ChildEventsQueue == "" {
		config.ChildEventsQueue = defaultChildEventsQueue
	}
	if strings.TrimSpace(config.RateLimitSweepSchedule) == "" {
		config.RateLimitSweepSchedule = defaultSweepSchedule
	}
	if strings.TrimSpace(config.SessionPurgeSchedule) == "" {
		config.SessionPurgeSchedule = defaultSessionPurgeSchedule
	}

	origins := make([]string, 0, len(config.CORSAllowedOrigins))
	for _, origin := range config.CORSAllowedOrigins {
		for _, part := range strings.Split(origin, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}
	config.CORSAllowedOrigins = origins

	if strings.TrimSpace(config.ParentSessionSecret) == "" {
		slog.Warn("PARENT_SESSION_SECRET is empty; parent sessions will be rejected", "component", "config")
	}

	return
}
