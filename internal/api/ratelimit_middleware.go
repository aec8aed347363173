/**
 * @description
 * Tiered rate limiting middleware. Each route group picks a namespace and a
 * policy tier; the counters live in the shared ratelimit.Limiter so the
 * in-memory and Redis backends behave the same.
 *
 * @dependencies
 * - internal/ratelimit: attempt counting and lockouts.
 * - internal/authz: principal-based keys for authenticated routes.
 */
package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/chorechart/kidauth-service/internal/authz"
	"github.com/chorechart/kidauth-service/internal/ratelimit"
)

// KeyFunc derives the limiter identifier for a request.
type KeyFunc func(r *http.Request) string

// PrincipalKey keys authenticated requests by parent or child id and falls
// back to the caller address.
func PrincipalKey(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if principal, ok := authz.FromContext(r.Context()); ok {
			switch principal.Kind {
			case authz.KindParent:
				return "parent:" + principal.ParentID.String()
			case authz.KindKid:
				return "kid:" + principal.ChildID.String()
			}
		}
		return getClientIP(r, trustProxy)
	}
}

// RateLimitMiddleware spends one attempt of the tier per request and rejects
// callers that exhausted their window.
func RateLimitMiddleware(limiter ratelimit.Limiter, namespace string, tier ratelimit.Config, keyFn KeyFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ratelimit.Key(namespace, keyFn(r))

			res, err := limiter.Check(r.Context(), key, tier)
			if err != nil {
				logger.Error("rate limit check failed", "namespace", namespace, "error", err)
				writeError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			if !res.Allowed {
				setRateLimitHeaders(w, tier.MaxAttempts, 0, res.ResetTime.Unix())
				w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"error":      "Too many attempts. Please try again later.",
					"retryAfter": res.RetryAfterSeconds(),
				})
				return
			}

			if err := limiter.Record(r.Context(), key, tier); err != nil {
				logger.Warn("failed to record rate limited attempt", "namespace", namespace, "error", err)
			}
			setRateLimitHeaders(w, tier.MaxAttempts, res.Remaining, res.ResetTime.Unix())

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, limit, remaining int, reset int64) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}
