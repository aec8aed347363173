package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Record is the per-identifier state kept by MemoryLimiter.
type Record struct {
	Count       int
	ResetTime   time.Time
	LockedUntil *time.Time
}

func (r *Record) expired(now time.Time) bool {
	if now.Before(r.ResetTime) {
		return false
	}
	return r.LockedUntil == nil || !now.Before(*r.LockedUntil)
}

// MemoryLimiter keeps limiter state in a process-local map. State is not
// shared across instances and is lost on restart.
type MemoryLimiter struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryLimiter creates an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// WithClock replaces the limiter clock. Intended for tests.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Check reports whether another attempt is allowed. An expired window is
// replaced by a fresh zero-count window, which does not spend an attempt.
func (l *MemoryLimiter) Check(ctx context.Context, id string, cfg Config) (Result, error) {
	if id == "" {
		return Result{}, ErrInvalidIdentifier
	}
	cfg = normalizeConfig(cfg)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if ok && rec.LockedUntil != nil && now.Before(*rec.LockedUntil) {
		until := *rec.LockedUntil
		return Result{
			Allowed:     false,
			Remaining:   0,
			ResetTime:   rec.ResetTime,
			RetryAfter:  until.Sub(now),
			LockedUntil: &until,
		}, nil
	}

	if !ok || !now.Before(rec.ResetTime) {
		rec = l.openWindow(id, rec, now, cfg)
	}

	if rec.Count >= cfg.MaxAttempts {
		return Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  rec.ResetTime,
			RetryAfter: rec.ResetTime.Sub(now),
		}, nil
	}

	return Result{
		Allowed:   true,
		Remaining: cfg.MaxAttempts - rec.Count - 1,
		ResetTime: rec.ResetTime,
	}, nil
}

// Record spends one attempt, opening a new window first if the previous one expired.
func (l *MemoryLimiter) Record(ctx context.Context, id string, cfg Config) error {
	if id == "" {
		return ErrInvalidIdentifier
	}
	cfg = normalizeConfig(cfg)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok || !now.Before(rec.ResetTime) {
		rec = l.openWindow(id, rec, now, cfg)
	}
	rec.Count++
	return nil
}

// Lock forces a lockout of d starting now, independent of the attempt count.
func (l *MemoryLimiter) Lock(ctx context.Context, id string, d time.Duration) error {
	if id == "" {
		return ErrInvalidIdentifier
	}
	now := l.now()
	until := now.Add(d)

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		rec = &Record{ResetTime: now}
		l.records[id] = rec
	}
	rec.LockedUntil = &until
	return nil
}

// Reset forgets everything known about id.
func (l *MemoryLimiter) Reset(ctx context.Context, id string) error {
	l.mu.Lock()
	delete(l.records, id)
	l.mu.Unlock()
	return nil
}

// Sweep purges records whose window and lockout are both in the past and
// returns how many were removed.
func (l *MemoryLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, rec := range l.records {
		if rec.expired(now) {
			delete(l.records, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked identifiers.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// openWindow must be called with l.mu held. A lockout that outlives the
// window is carried over.
func (l *MemoryLimiter) openWindow(id string, prev *Record, now time.Time, cfg Config) *Record {
	rec := &Record{ResetTime: now.Add(cfg.Window)}
	if prev != nil && prev.LockedUntil != nil && now.Before(*prev.LockedUntil) {
		rec.LockedUntil = prev.LockedUntil
	}
	l.records[id] = rec
	return rec
}
