package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/emailsched/internal/pkg/httputil"
)

// HealthChecker probes the service's two durable dependencies concurrently
// and reports a component-level breakdown alongside the overall verdict.
type HealthChecker struct {
	db        *sql.DB
	redis     *redis.Client
	startedAt time.Time
}

// NewHealthChecker builds a HealthChecker. redisClient may be nil if the
// Rate Limiter's fast path is disabled; its check is skipped in that case.
func NewHealthChecker(db *sql.DB, redisClient *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: redisClient, startedAt: time.Now()}
}

// ComponentCheck is one dependency's health, timed independently so a slow
// component never hides behind a fast one.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	UptimeSecs int64                      `json:"uptimeSeconds"`
	Components map[string]ComponentCheck `json:"components"`
}

// HandleHealth reports liveness plus a best-effort breakdown of the
// Durable Store and Rate Limiter backends. It never blocks longer than
// 3s per dependency, so a stalled backend degrades the response instead
// of hanging the request.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := h.runChecks(ctx)
	status := http.StatusOK
	overall := "ok"
	for _, c := range components {
		if c.Status != "ok" {
			overall = "degraded"
			status = http.StatusServiceUnavailable
		}
	}

	httputil.JSON(w, status, httputil.Envelope{
		Success: overall == "ok",
		Data: healthResponse{
			Status:     overall,
			UptimeSecs: int64(time.Since(h.startedAt).Seconds()),
			Components: components,
		},
	})
}

// HandleLiveness is a bare process-is-up check with no dependency probing,
// for orchestrators that just need to know the binary is scheduled.
func (h *HealthChecker) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *HealthChecker) runChecks(ctx context.Context) map[string]ComponentCheck {
	type result struct {
		name  string
		check ComponentCheck
	}

	n := 1
	if h.redis != nil {
		n = 2
	}
	results := make(chan result, n)

	go func() {
		start := time.Now()
		if err := h.db.PingContext(ctx); err != nil {
			results <- result{"database", ComponentCheck{Status: "error", Message: err.Error(), Latency: time.Since(start).String()}}
			return
		}
		results <- result{"database", ComponentCheck{Status: "ok", Latency: time.Since(start).String()}}
	}()

	if h.redis != nil {
		go func() {
			start := time.Now()
			if err := h.redis.Ping(ctx).Err(); err != nil {
				results <- result{"redis", ComponentCheck{Status: "error", Message: err.Error(), Latency: time.Since(start).String()}}
				return
			}
			results <- result{"redis", ComponentCheck{Status: "ok", Latency: time.Since(start).String()}}
		}()
	}

	out := make(map[string]ComponentCheck, n)
	for i := 0; i < n; i++ {
		r := <-results
		out[r.name] = r.check
	}
	return out
}
