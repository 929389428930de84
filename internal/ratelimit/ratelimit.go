// Package ratelimit guards the unauthenticated surfaces, the login and the
// webhook endpoints, with a Redis-backed limiter shared across replicas.
package ratelimit

import (
	"net/http"
	"strconv"

	redis "github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/backend-dojo/internal/common"
)

// New builds a limiter from a formatted rate such as "120-M".
func New(client *redis.Client, formatted, prefix string) (*limiter.Limiter, error) {
	rate, err := limiter.NewRateFromFormatted(formatted)
	if err != nil {
		return nil, err
	}
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return nil, err
	}
	return limiter.New(store, rate), nil
}

// Middleware applies a limiter keyed by client IP.
type Middleware struct {
	L *limiter.Limiter
}

// Handler rejects callers over their budget with 429 and standard headers.
func (m Middleware) Handler(next http.Handler) http.Handler {
	if m.L == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lctx, err := m.L.Get(r.Context(), m.L.GetIPKey(r))
		if err != nil {
			// The limiter is protection, not a dependency; fail open.
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))
		if lctx.Reached {
			common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
