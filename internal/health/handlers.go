// Package health exposes liveness and readiness probes over the two hard
// runtime dependencies, Postgres and Redis.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-dojo/internal/common"
)

// Pinger probes one dependency within a deadline.
type Pinger interface {
	Ping(ctx context.Context) error
}

type poolPinger struct{ pool *pgxpool.Pool }

func (p poolPinger) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// Handler answers health endpoints.
type Handler struct {
	DB      Pinger
	Redis   Pinger
	Timeout time.Duration
}

// New builds a handler over the live pool and Redis client.
func New(pool *pgxpool.Pool, client *redis.Client) Handler {
	return Handler{DB: poolPinger{pool}, Redis: redisPinger{client}}
}

// Live reports process liveness; it never touches dependencies.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready probes Postgres and Redis and reports per-dependency status.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout())
	defer cancel()

	status := map[string]string{"db": "ok", "redis": "ok"}
	healthy := true
	if err := h.ping(ctx, h.DB); err != nil {
		status["db"] = err.Error()
		healthy = false
	}
	if err := h.ping(ctx, h.Redis); err != nil {
		status["redis"] = err.Error()
		healthy = false
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	common.JSON(w, code, status)
}

func (h Handler) ping(ctx context.Context, p Pinger) error {
	if p == nil {
		return context.DeadlineExceeded
	}
	return p.Ping(ctx)
}

func (h Handler) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return 800 * time.Millisecond
}
