package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/edgerun/platform/internal/pkg/errors"
	"github.com/edgerun/platform/internal/pkg/response"
)

// RateLimitConfig tunes the fixed-window limiter on the deploy-intent and
// lifecycle routes.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

// DefaultRateLimitConfig matches the teacher's defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 60, BurstSize: 10}
}

// RateLimiter is the counter the limiter increments per request. Satisfied
// by *database.Redis (see internal/database/redis.go); narrowed to an
// interface here so it can be exercised against an in-memory fake in tests.
type RateLimiter interface {
	IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RateLimit returns a fixed-window rate limiter middleware keyed by client
// IP, backed by limiter. On a limiter error the request is allowed through
// rather than rejected — an unreachable cache should degrade availability,
// not become a second point of failure for every submission.
func RateLimit(limiter RateLimiter, cfg RateLimitConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := fmt.Sprintf("ratelimit:%s", clientIP(r))

			count, err := limiter.IncrWithExpire(r.Context(), key, time.Minute)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			limit := cfg.RequestsPerMinute
			remaining := limit - int(count)
			if remaining < 0 {
				remaining = 0
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))

			if int(count) > limit+cfg.BurstSize {
				w.Header().Set("Retry-After", "60")
				response.Error(w, apierrors.ErrRateLimited)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client address the way the teacher's getRealIP did,
// preferring forwarding headers over RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return xrip
	}
	return r.RemoteAddr
}
