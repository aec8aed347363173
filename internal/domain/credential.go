/**
 * @description
 * Domain models for kid identity verification: the per-child PIN credential
 * and the bearer session minted after a successful verification.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Child is the minimal projection of a child profile the verification flow needs.
type Child struct {
	ID        uuid.UUID `json:"id"`
	ParentID  uuid.UUID `json:"-"`
	FamilyID  uuid.UUID `json:"-"`
	Name      string    `json:"name"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
}

// ChildCredential stores server-owned PIN security metadata for a child.
// A future LockedUntil makes the credential unusable regardless of hash match.
type ChildCredential struct {
	ChildID        uuid.UUID  `json:"child_id"`
	PINHash        string     `json:"-"`
	PINSalt        *string    `json:"-"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
}

// Salt returns the credential salt, or "" for legacy unsalted credentials.
func (c ChildCredential) Salt() string {
	if c.PINSalt == nil {
		return ""
	}
	return *c.PINSalt
}

// IsLocked reports whether the credential is under an active lockout at now.
func (c ChildCredential) IsLocked(now time.Time) bool {
	return c.LockedUntil != nil && c.LockedUntil.After(now)
}

// KidSession is a fixed-lifetime bearer grant for a single child.
// Only the SHA-256 of the token is persisted; Token is populated on issuance only.
type KidSession struct {
	Token     string    `json:"-"`
	TokenHash string    `json:"-"`
	ChildID   uuid.UUID `json:"child_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// IsExpired reports whether the session is no longer valid at now.
func (s KidSession) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
