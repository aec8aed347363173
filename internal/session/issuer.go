// Package session mints and validates kid bearer sessions.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chorechart/kidauth-service/internal/domain"
	"github.com/chorechart/kidauth-service/internal/store"
)

// DefaultTTL is the fixed lifetime of a kid session.
const DefaultTTL = 8 * time.Hour

const tokenBytes = 32

// ErrInvalidSession covers missing, expired, and unverifiable tokens alike.
var ErrInvalidSession = errors.New("invalid or expired kid session")

// Issuer issues and validates kid sessions against the session store.
type Issuer struct {
	repo store.Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewIssuer creates an Issuer. A non-positive ttl falls back to DefaultTTL.
func NewIssuer(repo store.Repository, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{repo: repo, ttl: ttl, now: time.Now}
}

// WithClock replaces the issuer clock. Intended for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// Issue mints a new token for childID and persists its hash. The plaintext
// token is only available on the returned session.
func (i *Issuer) Issue(ctx context.Context, childID uuid.UUID) (*domain.KidSession, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate kid token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := i.now()
	session := &domain.KidSession{
		Token:     token,
		TokenHash: HashToken(token),
		ChildID:   childID,
		ExpiresAt: now.Add(i.ttl),
		CreatedAt: now,
	}
	if err := i.repo.CreateKidSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persist kid session: %w", err)
	}
	return session, nil
}

// Validate returns the child bound to token while the session is unexpired.
func (i *Issuer) Validate(ctx context.Context, token string) (uuid.UUID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return uuid.Nil, ErrInvalidSession
	}
	session, err := i.repo.FindActiveKidSession(ctx, HashToken(token), i.now())
	if err != nil || session == nil {
		return uuid.Nil, ErrInvalidSession
	}
	if session.IsExpired(i.now()) {
		return uuid.Nil, ErrInvalidSession
	}
	return session.ChildID, nil
}

// RevokeChild deletes every session bound to childID.
func (i *Issuer) RevokeChild(ctx context.Context, childID uuid.UUID) (int64, error) {
	return i.repo.DeleteKidSessionsByChild(ctx, childID)
}

// PurgeExpired deletes sessions that have already expired.
func (i *Issuer) PurgeExpired(ctx context.Context) (int64, error) {
	return i.repo.DeleteExpiredKidSessions(ctx, i.now())
}

// HashToken returns the hex SHA-256 used as the storage key of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
