package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chorechart/kidauth-service/internal/config"
)

type sweeperStub struct {
	calls int
	at    time.Time
}

func (s *sweeperStub) Sweep(now time.Time) int {
	s.calls++
	s.at = now
	return 2
}

type purgerStub struct {
	calls int
	err   error
}

func (p *purgerStub) PurgeExpired(ctx context.Context) (int64, error) {
	p.calls++
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("missing deadline")
	}
	return 3, p.err
}

func TestJobs_RunDependencies(t *testing.T) {
	sweeper := &sweeperStub{}
	purger := &purgerStub{}
	jobs := NewJobs(sweeper, purger, discardLogger())
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs.now = func() time.Time { return fixed }

	jobs.SweepRateLimits()
	jobs.PurgeExpiredSessions()

	assert.Equal(t, 1, sweeper.calls)
	assert.Equal(t, fixed, sweeper.at)
	assert.Equal(t, 1, purger.calls)
}

func TestJobs_ToleratesMissingDependencies(t *testing.T) {
	jobs := NewJobs(nil, nil, nil)
	assert.NotPanics(t, func() {
		jobs.SweepRateLimits()
		jobs.PurgeExpiredSessions()
	})

	purger := &purgerStub{err: errors.New("db down")}
	jobs = NewJobs(nil, purger, discardLogger())
	assert.NotPanics(t, jobs.PurgeExpiredSessions)
	assert.Equal(t, 1, purger.calls)
}

func TestScheduler_StartRegistersValidSchedules(t *testing.T) {
	jobs := NewJobs(&sweeperStub{}, &purgerStub{}, discardLogger())

	s := NewScheduler(jobs, discardLogger(), config.Config{
		RateLimitSweepSchedule: "@every 5m",
		SessionPurgeSchedule:   "@hourly",
	})
	assert.Equal(t, 2, s.Start())
	<-s.Stop().Done()

	s = NewScheduler(jobs, discardLogger(), config.Config{
		RateLimitSweepSchedule: "not a schedule",
		SessionPurgeSchedule:   "@hourly",
	})
	assert.Equal(t, 1, s.Start())
	<-s.Stop().Done()
}
