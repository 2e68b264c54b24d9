package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterTTL bounds how long an idle environment's limiter is kept.
const limiterTTL = 5 * time.Minute

// RateLimit applies a per-environment token bucket to authenticated
// requests. A limit of 0 disables rate limiting.
func RateLimit(limit float64, burst int) func(http.Handler) http.Handler {
	limiters := sync.Map{} // envID -> *cachedLimiter

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			env, ok := EnvFromContext(r.Context())
			if !ok {
				unauthorized(w, "unauthorized")
				return
			}

			limiter := getOrCreateLimiter(&limiters, env.ID, limit, burst)
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func getOrCreateLimiter(limiters *sync.Map, envID string, limit float64, burst int) *rate.Limiter {
	if v, ok := limiters.Load(envID); ok {
		cached := v.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	limiters.Store(envID, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(limiterTTL),
	})
	return limiter
}
