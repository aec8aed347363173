package session

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chorechart/kidauth-service/internal/domain"
	"github.com/chorechart/kidauth-service/internal/store/storetest"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestIssuer() (*Issuer, *storetest.Repository, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	repo := storetest.New()
	repo.Now = c.Now
	return NewIssuer(repo, 0).WithClock(c.Now), repo, c
}

func TestIssue_TokenShapeAndExpiry(t *testing.T) {
	issuer, repo, c := newTestIssuer()
	childID := uuid.New()

	s, err := issuer.Issue(context.Background(), childID)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(s.Token)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.Equal(t, c.t.Add(DefaultTTL), s.ExpiresAt)
	assert.Equal(t, HashToken(s.Token), s.TokenHash)
	assert.NotEqual(t, s.Token, s.TokenHash)
	assert.Equal(t, 1, repo.SessionCount(childID))

	other, err := issuer.Issue(context.Background(), childID)
	require.NoError(t, err)
	assert.NotEqual(t, s.Token, other.Token)
}

func TestValidate(t *testing.T) {
	issuer, _, c := newTestIssuer()
	childID := uuid.New()
	s, err := issuer.Issue(context.Background(), childID)
	require.NoError(t, err)

	got, err := issuer.Validate(context.Background(), s.Token)
	require.NoError(t, err)
	assert.Equal(t, childID, got)

	c.t = c.t.Add(DefaultTTL - time.Second)
	_, err = issuer.Validate(context.Background(), s.Token)
	require.NoError(t, err)

	c.t = c.t.Add(time.Second)
	_, err = issuer.Validate(context.Background(), s.Token)
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestValidate_FailuresAreIndistinguishable(t *testing.T) {
	issuer, repo, c := newTestIssuer()
	childID := uuid.New()

	repo.InsertSession(domain.KidSession{
		TokenHash: HashToken("expired-token"),
		ChildID:   childID,
		ExpiresAt: c.t.Add(-time.Minute),
	})

	_, errExpired := issuer.Validate(context.Background(), "expired-token")
	_, errMissing := issuer.Validate(context.Background(), "never-issued")
	_, errEmpty := issuer.Validate(context.Background(), "   ")

	repo.Err = errors.New("connection reset")
	_, errStore := issuer.Validate(context.Background(), "never-issued")

	for _, err := range []error{errExpired, errMissing, errEmpty, errStore} {
		assert.Equal(t, ErrInvalidSession, err)
	}
}

func TestIssue_StoreFailure(t *testing.T) {
	issuer, repo, _ := newTestIssuer()
	repo.Err = errors.New("insert failed")

	_, err := issuer.Issue(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestRevokeAndPurge(t *testing.T) {
	issuer, repo, c := newTestIssuer()
	childID := uuid.New()

	first, err := issuer.Issue(context.Background(), childID)
	require.NoError(t, err)
	_, err = issuer.Issue(context.Background(), childID)
	require.NoError(t, err)

	n, err := issuer.RevokeChild(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	_, err = issuer.Validate(context.Background(), first.Token)
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = issuer.Issue(context.Background(), childID)
	require.NoError(t, err)
	c.t = c.t.Add(9 * time.Hour)
	n, err = issuer.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, repo.SessionCount(childID))
}
