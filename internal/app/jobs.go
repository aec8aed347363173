/**
 * @description
 * Scheduled hygiene jobs: limiter record sweeping and expired session purging.
 */
package app

import (
	"context"
	"log/slog"
	"time"
)

const jobTimeout = 30 * time.Second

// Sweeper drops limiter records whose window and lock have both passed.
type Sweeper interface {
	Sweep(now time.Time) int
}

// SessionPurger deletes expired kid sessions.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper  Sweeper
	sessions SessionPurger
	logger   *slog.Logger
	now      func() time.Time
}

// NewJobs creates a Jobs runner. sweeper is nil when the limiter reclaims its
// own state, as Redis does through key expiry.
func NewJobs(sweeper Sweeper, sessions SessionPurger, logger *slog.Logger) *Jobs {
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{sweeper: sweeper, sessions: sessions, logger: logger.With("component", "jobs"), now: time.Now}
}

// SweepRateLimits purges stale in-memory limiter records.
func (j *Jobs) SweepRateLimits() {
	if j.sweeper == nil {
		return
	}
	removed := j.sweeper.Sweep(j.now())
	if removed > 0 {
		j.logger.Info("rate limit records swept", "removed", removed)
	}
}

// PurgeExpiredSessions deletes kid sessions that can no longer validate.
func (j *Jobs) PurgeExpiredSessions() {
	if j.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	removed, err := j.sessions.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("failed to purge expired kid sessions", "error", err)
		return
	}
	j.logger.Info("expired kid sessions purged", "removed", removed)
}
