package authz

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultParentCookie is the cookie carrying the parent web session.
const DefaultParentCookie = "parent_session"

// ParentSessionHeader carries the parent session for clients without cookies.
const ParentSessionHeader = "X-Parent-Session"

var ErrInvalidParentSession = errors.New("invalid parent session")

// ParentClaims is the payload of a parent session token. The subject is the parent user id.
type ParentClaims struct {
	jwt.RegisteredClaims
}

// ParentSessionVerifier checks HS256 parent session tokens minted by the parent web app.
type ParentSessionVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewParentSessionVerifier(secret string) *ParentSessionVerifier {
	return &ParentSessionVerifier{secret: []byte(secret), now: time.Now}
}

// WithClock replaces the verifier clock. Intended for tests.
func (v *ParentSessionVerifier) WithClock(now func() time.Time) *ParentSessionVerifier {
	v.now = now
	return v
}

// Verify returns the parent id carried by a valid, unexpired token.
func (v *ParentSessionVerifier) Verify(tokenString string) (uuid.UUID, error) {
	if len(v.secret) == 0 || strings.TrimSpace(tokenString) == "" {
		return uuid.Nil, ErrInvalidParentSession
	}

	claims := &ParentClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid {
		return uuid.Nil, ErrInvalidParentSession
	}

	parentID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidParentSession
	}
	return parentID, nil
}

// Sign mints a parent session token. The parent web app owns issuance; this
// exists for local tooling and tests.
func (v *ParentSessionVerifier) Sign(parentID uuid.UUID, ttl time.Duration) (string, error) {
	now := v.now()
	claims := ParentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   parentID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
