/**
 * @description
 * HTTP router setup for the kidauth-service using go-chi/chi.
 */
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chorechart/kidauth-service/internal/authz"
	"github.com/chorechart/kidauth-service/internal/ratelimit"
)

// RouterConfig carries the HTTP surface settings.
type RouterConfig struct {
	AllowedOrigins    []string
	TrustProxyHeaders bool
}

// NewRouter creates a new Chi router and registers the kidauth routes.
func NewRouter(h *Handler, gate *authz.Gate, limiter ratelimit.Limiter, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", authz.ParentSessionHeader},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.handleHealth)

	// The verification service applies the address tier itself so that it
	// can reset the counter on success.
	r.Post("/kid/verify-pin", h.handleVerifyPIN)

	r.Group(func(r chi.Router) {
		r.Use(authz.Middleware(gate, h.writeServiceError))

		r.Get("/routines", h.handleListRoutines)
		r.Get("/routines/{routineID}", h.handleGetRoutine)
		r.Post("/routines/{routineID}/complete", h.handleCompleteRoutine)

		r.With(RateLimitMiddleware(limiter, ratelimit.NamespacePasswordReset, ratelimit.PasswordReset, PrincipalKey(cfg.TrustProxyHeaders), h.logger)).
			Put("/children/{childID}/pin", h.handleSetChildPIN)
	})

	return r
}
