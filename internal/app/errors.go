package app

import (
	"errors"
	"time"
)

var (
	ErrRoutineNotFound   = errors.New("routine not found")
	ErrChildNotFound     = errors.New("child not found")
	ErrForbidden         = errors.New("forbidden")
	ErrParentOnly        = errors.New("parent session required")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// ValidationError is a malformed request. It is still counted against the
// caller's rate limit.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// AuthenticationError means the supplied credential did not verify. The
// message never says which part was wrong.
type AuthenticationError struct {
	Message string
}

func (e *AuthenticationError) Error() string { return e.Message }

// RateLimitedError means the caller address exhausted its window or is locked.
type RateLimitedError struct {
	RetryAfter int
	Limit      int
	Remaining  int
	Reset      time.Time
}

func (e *RateLimitedError) Error() string { return "too many attempts" }

// LockedError means the matched child is temporarily locked after repeated failures.
type LockedError struct {
	RetryAfter int
}

func (e *LockedError) Error() string { return "pin temporarily locked" }

// AuthorizationError is a cross-child or cross-family access attempt.
type AuthorizationError struct{}

func (e *AuthorizationError) Error() string { return ErrForbidden.Error() }

func (e *AuthorizationError) Unwrap() error { return ErrForbidden }

// retryAfterSeconds renders a duration as whole seconds, rounded up, minimum 1.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
