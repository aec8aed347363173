package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kidValidatorStub struct {
	tokens map[string]uuid.UUID
	calls  int
}

func (s *kidValidatorStub) Validate(ctx context.Context, token string) (uuid.UUID, error) {
	s.calls++
	if id, ok := s.tokens[token]; ok {
		return id, nil
	}
	return uuid.Nil, errors.New("invalid or expired kid session")
}

const testSecret = "parent-session-test-secret"

func newTestGate(t *testing.T) (*Gate, *kidValidatorStub, *ParentSessionVerifier) {
	t.Helper()
	kids := &kidValidatorStub{tokens: map[string]uuid.UUID{}}
	parents := NewParentSessionVerifier(testSecret)
	return NewGate(parents, kids, ""), kids, parents
}

// authenticateFor runs the gate the way a protected handler does: Middleware
// authenticates, then the handler checks the requested child.
func authenticateFor(g *Gate, r *http.Request, requested *uuid.UUID) (Principal, error) {
	principal, err := g.Authenticate(r)
	if err != nil || requested == nil {
		return principal, err
	}
	return RequireChild(WithPrincipal(r.Context(), principal), *requested)
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	gate, _, _ := newTestGate(t)
	req := httptest.NewRequest(http.MethodGet, "/routines", nil)

	_, err := authenticateFor(gate, req, nil)
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestAuthenticate_KidTrack(t *testing.T) {
	gate, kids, _ := newTestGate(t)
	childA := uuid.New()
	childB := uuid.New()
	kids.tokens["token-a"] = childA

	tests := []struct {
		name      string
		header    string
		requested *uuid.UUID
		wantErr   error
	}{
		{"own child", "Bearer token-a", &childA, nil},
		{"lowercase scheme", "bearer token-a", &childA, nil},
		{"no child constraint", "Bearer token-a", nil, nil},
		{"other child", "Bearer token-a", &childB, ErrForbidden},
		{"unknown token", "Bearer nope", &childA, ErrAuthRequired},
		{"basic scheme", "Basic token-a", &childA, ErrAuthRequired},
		{"empty bearer", "Bearer ", &childA, ErrAuthRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/routines", nil)
			req.Header.Set("Authorization", tt.header)

			p, err := authenticateFor(gate, req, tt.requested)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, KindKid, p.Kind)
			assert.Equal(t, childA, p.ChildID)
		})
	}
}

func TestAuthenticate_ParentTrack(t *testing.T) {
	gate, kids, parents := newTestGate(t)
	parentID := uuid.New()
	token, err := parents.Sign(parentID, time.Hour)
	require.NoError(t, err)
	anyChild := uuid.New()

	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/routines", nil)
		req.AddCookie(&http.Cookie{Name: DefaultParentCookie, Value: token})

		p, err := authenticateFor(gate, req, &anyChild)
		require.NoError(t, err)
		assert.Equal(t, KindParent, p.Kind)
		assert.Equal(t, parentID, p.ParentID)
	})

	t.Run("header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/routines", nil)
		req.Header.Set(ParentSessionHeader, token)

		p, err := authenticateFor(gate, req, nil)
		require.NoError(t, err)
		assert.Equal(t, KindParent, p.Kind)
	})

	t.Run("parent wins over bearer", func(t *testing.T) {
		kids.calls = 0
		req := httptest.NewRequest(http.MethodGet, "/routines", nil)
		req.AddCookie(&http.Cookie{Name: DefaultParentCookie, Value: token})
		req.Header.Set("Authorization", "Bearer token-a")

		p, err := authenticateFor(gate, req, nil)
		require.NoError(t, err)
		assert.Equal(t, KindParent, p.Kind)
		assert.Equal(t, 0, kids.calls)
	})
}

func TestAuthenticate_InvalidParentFallsThroughToKid(t *testing.T) {
	gate, kids, _ := newTestGate(t)
	childID := uuid.New()
	kids.tokens["token-a"] = childID

	forged, err := NewParentSessionVerifier("other-secret").Sign(uuid.New(), time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/routines", nil)
	req.AddCookie(&http.Cookie{Name: DefaultParentCookie, Value: forged})
	req.Header.Set("Authorization", "Bearer token-a")

	p, err := authenticateFor(gate, req, &childID)
	require.NoError(t, err)
	assert.Equal(t, KindKid, p.Kind)

	req = httptest.NewRequest(http.MethodGet, "/routines", nil)
	req.AddCookie(&http.Cookie{Name: DefaultParentCookie, Value: forged})
	_, err = authenticateFor(gate, req, &childID)
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestParentSessionVerifier(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	v := NewParentSessionVerifier(testSecret).WithClock(func() time.Time { return now })
	parentID := uuid.New()

	token, err := v.Sign(parentID, time.Minute)
	require.NoError(t, err)
	got, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, parentID, got)

	later := NewParentSessionVerifier(testSecret).WithClock(func() time.Time { return now.Add(2 * time.Minute) })
	_, err = later.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidParentSession)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, ParentClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   parentID.String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(unsigned)
	assert.ErrorIs(t, err, ErrInvalidParentSession)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, ParentClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: parentID.String()}})
	signed, err := noExp.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidParentSession)

	badSubject := jwt.NewWithClaims(jwt.SigningMethodHS256, ParentClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user_123",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})
	signed, err = badSubject.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = v.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidParentSession)

	_, err = NewParentSessionVerifier("").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidParentSession)
}

func TestMiddlewareAndRequireChild(t *testing.T) {
	gate, kids, _ := newTestGate(t)
	childA := uuid.New()
	childB := uuid.New()
	kids.tokens["token-a"] = childA

	var gotErr error
	handler := Middleware(gate, func(w http.ResponseWriter, r *http.Request, err error) {
		gotErr = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := RequireChild(r.Context(), childB); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.ErrorIs(t, gotErr, ErrAuthRequired)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token-a")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, err := RequireChild(context.Background(), childA)
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = RequireParent(WithPrincipal(context.Background(), Principal{Kind: KindKid, ChildID: childA}))
	assert.ErrorIs(t, err, ErrForbidden)
}
