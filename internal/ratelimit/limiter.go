// Package ratelimit tracks attempts per identifier within a fixed window and
// supports hard lockouts layered on top of the window count.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// Config describes one limiter tier.
type Config struct {
	MaxAttempts int
	Window      time.Duration
}

// Policy tiers. Each endpoint checks its own tier against the same limiter.
var (
	PINVerification = Config{MaxAttempts: 5, Window: 15 * time.Minute}
	AuthLogin       = Config{MaxAttempts: 5, Window: 15 * time.Minute}
	Signup          = Config{MaxAttempts: 3, Window: time.Hour}
	PasswordReset   = Config{MaxAttempts: 3, Window: time.Hour}
	ContactForm     = Config{MaxAttempts: 3, Window: time.Hour}
)

// Key namespaces.
const (
	NamespacePINVerify     = "pin_verify"
	NamespacePINChild      = "pin_child"
	NamespaceAuthLogin     = "auth_login"
	NamespaceSignup        = "signup"
	NamespacePasswordReset = "password_reset"
	NamespaceContact       = "contact"
)

var ErrInvalidIdentifier = errors.New("rate limit identifier is required")

// Result is the outcome of a Check.
type Result struct {
	Allowed     bool
	Remaining   int
	ResetTime   time.Time
	RetryAfter  time.Duration
	LockedUntil *time.Time
}

// RetryAfterSeconds renders RetryAfter as whole seconds, rounded up, never below 1
// for a rejected result.
func (r Result) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	secs := int(math.Ceil(r.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter is the contract shared by the in-process and Redis implementations.
// Check does not spend an attempt; callers Record only on an actual attempt.
type Limiter interface {
	Check(ctx context.Context, id string, cfg Config) (Result, error)
	Record(ctx context.Context, id string, cfg Config) error
	Lock(ctx context.Context, id string, d time.Duration) error
	Reset(ctx context.Context, id string) error
}

// Key joins a namespace and an identifier, e.g. "pin_verify:203.0.113.7".
func Key(namespace, id string) string {
	namespace = strings.TrimSpace(namespace)
	id = strings.TrimSpace(id)
	if namespace == "" {
		return id
	}
	return namespace + ":" + id
}

func normalizeConfig(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return cfg
}
