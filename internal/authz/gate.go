/**
 * @description
 * The dual-authorization gate shared by every protected endpoint. A request is
 * authorized either by a parent web session or by a kid bearer token; a kid
 * token only ever authorizes its own child.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: parent session verification.
 * - github.com/google/uuid: principal identifiers.
 */

package authz

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrAuthRequired = errors.New("authentication required")
	ErrForbidden    = errors.New("forbidden")
)

// Kind tells which track authorized a request.
type Kind string

const (
	KindParent Kind = "parent"
	KindKid    Kind = "kid"
)

// Principal is the identity a request was authorized as. ChildID is only set
// for kid principals; parent ownership is enforced by data access.
type Principal struct {
	Kind     Kind
	ParentID uuid.UUID
	ChildID  uuid.UUID
}

// Permits reports whether the principal may act on childID.
func (p Principal) Permits(childID uuid.UUID) error {
	switch p.Kind {
	case KindParent:
		return nil
	case KindKid:
		if p.ChildID == uuid.Nil || p.ChildID != childID {
			return ErrForbidden
		}
		return nil
	default:
		return ErrAuthRequired
	}
}

// KidSessionValidator resolves a kid bearer token to its child.
type KidSessionValidator interface {
	Validate(ctx context.Context, token string) (uuid.UUID, error)
}

// Gate applies the parent and kid tracks to a request.
type Gate struct {
	parents    *ParentSessionVerifier
	kids       KidSessionValidator
	cookieName string
}

func NewGate(parents *ParentSessionVerifier, kids KidSessionValidator, cookieName string) *Gate {
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultParentCookie
	}
	return &Gate{parents: parents, kids: kids, cookieName: cookieName}
}

// Authenticate resolves the request principal without a child constraint.
func (g *Gate) Authenticate(r *http.Request) (Principal, error) {
	if parentID, ok := g.parentSession(r); ok {
		return Principal{Kind: KindParent, ParentID: parentID}, nil
	}

	token, ok := bearerToken(r)
	if !ok || g.kids == nil {
		return Principal{}, ErrAuthRequired
	}
	childID, err := g.kids.Validate(r.Context(), token)
	if err != nil {
		return Principal{}, ErrAuthRequired
	}
	return Principal{Kind: KindKid, ChildID: childID}, nil
}

// An invalid parent session falls through to the kid track.
func (g *Gate) parentSession(r *http.Request) (uuid.UUID, bool) {
	if g.parents == nil {
		return uuid.Nil, false
	}
	var raw string
	if cookie, err := r.Cookie(g.cookieName); err == nil {
		raw = cookie.Value
	}
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get(ParentSessionHeader))
	}
	if raw == "" {
		return uuid.Nil, false
	}
	parentID, err := g.parents.Verify(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return parentID, true
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
