package authz

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

type principalContextKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}

// ErrorWriter renders a gate rejection.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// Middleware authenticates every request in the group and stores the principal
// in the request context. Handlers then call RequireChild once at entry.
func Middleware(g *Gate, onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := g.Authenticate(r)
			if err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireChild returns the request principal if it may act on childID.
func RequireChild(ctx context.Context, childID uuid.UUID) (Principal, error) {
	principal, ok := FromContext(ctx)
	if !ok {
		return Principal{}, ErrAuthRequired
	}
	if err := principal.Permits(childID); err != nil {
		return Principal{}, err
	}
	return principal, nil
}

// RequireParent returns the request principal if it came from a parent session.
func RequireParent(ctx context.Context) (Principal, error) {
	principal, ok := FromContext(ctx)
	if !ok {
		return Principal{}, ErrAuthRequired
	}
	if principal.Kind != KindParent {
		return Principal{}, ErrForbidden
	}
	return principal, nil
}
