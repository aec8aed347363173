package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var checkScript = redis.NewScript(`
local lockTTL = redis.call("PTTL", KEYS[2])
if lockTTL > 0 then
  return {-1, lockTTL}
end
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

var recordScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLimiter shares limiter state across instances. Window and lockout keys
// carry their own expiry, so Redis reclaims stale state without a sweep.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "chorechart:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisLimiter{
		client: client,
		prefix: trimmedPrefix,
		now:    time.Now,
	}
}

func (r *RedisLimiter) countKey(id string) string {
	return fmt.Sprintf("%s:%s", r.prefix, id)
}

func (r *RedisLimiter) lockKey(id string) string {
	return fmt.Sprintf("%s:lock:%s", r.prefix, id)
}

func (r *RedisLimiter) Check(ctx context.Context, id string, cfg Config) (Result, error) {
	if strings.TrimSpace(id) == "" {
		return Result{}, ErrInvalidIdentifier
	}
	cfg = normalizeConfig(cfg)
	now := r.now()

	raw, err := checkScript.Run(ctx, r.client, []string{r.countKey(id), r.lockKey(id)}).Result()
	if err != nil {
		return Result{}, err
	}
	count, ttlMs, err := parsePair(raw)
	if err != nil {
		return Result{}, err
	}

	if count < 0 {
		until := now.Add(time.Duration(ttlMs) * time.Millisecond)
		return Result{
			Allowed:     false,
			ResetTime:   until,
			RetryAfter:  until.Sub(now),
			LockedUntil: &until,
		}, nil
	}

	resetTime := now.Add(cfg.Window)
	if count > 0 && ttlMs > 0 {
		resetTime = now.Add(time.Duration(ttlMs) * time.Millisecond)
	} else {
		count = 0
	}

	if int(count) >= cfg.MaxAttempts {
		return Result{
			Allowed:    false,
			ResetTime:  resetTime,
			RetryAfter: resetTime.Sub(now),
		}, nil
	}

	return Result{
		Allowed:   true,
		Remaining: cfg.MaxAttempts - int(count) - 1,
		ResetTime: resetTime,
	}, nil
}

func (r *RedisLimiter) Record(ctx context.Context, id string, cfg Config) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidIdentifier
	}
	cfg = normalizeConfig(cfg)

	windowMs := cfg.Window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}
	raw, err := recordScript.Run(ctx, r.client, []string{r.countKey(id)}, windowMs).Result()
	if err != nil {
		return err
	}
	_, _, err = parsePair(raw)
	return err
}

func (r *RedisLimiter) Lock(ctx context.Context, id string, d time.Duration) error {
	if strings.TrimSpace(id) == "" {
		return ErrInvalidIdentifier
	}
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return r.client.Set(ctx, r.lockKey(id), "1", d).Err()
}

func (r *RedisLimiter) Reset(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.countKey(id), r.lockKey(id)).Err()
}

func parsePair(raw interface{}) (int64, int64, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	first, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	second, ok := values[1].(int64)
	if !ok {
		return first, 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	return first, second, nil
}
