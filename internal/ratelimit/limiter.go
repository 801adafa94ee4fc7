// Package ratelimit provides the per-caller rate limiting collaborator
// injected into the HTTP surface. The engine itself stays stateless
// between calls; limiter state lives here (or in Redis), keyed per caller,
// so the service scales horizontally.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/sharedraw/resale-engine/internal/metrics"
)

// Limiter decides whether one more request from key is allowed at now.
// When refused, retryAfter tells the caller how long to back off.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}

// KeyFunc extracts the rate-limit key for a request. Typically the caller
// account id, falling back to the remote address.
type KeyFunc func(r *http.Request) string

// Middleware returns a chi-compatible middleware that rejects over-quota
// callers with 429 and a Retry-After header. Limiter errors fail open:
// trading must not stop because the limiter store is down.
func Middleware(l Limiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, retryAfter, err := l.Allow(r.Context(), key(r), time.Now())
			if err == nil && !allowed {
				metrics.RateLimitRejections.Inc()
				seconds := int(retryAfter/time.Second) + 1
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
