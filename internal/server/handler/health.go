package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
)

// healthCheckTimeout bounds each dependency check.
const healthCheckTimeout = 2 * time.Second

// HealthCheck checks one dependency.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode     string
	exchange string
	started  time.Time
	checks   []HealthCheck
	clock    clock.Clock
	logger   *slog.Logger
}

// NewHealthHandler creates a HealthHandler. Each check is run on every
// request; a failing check reports the service as degraded.
func NewHealthHandler(mode, exchange string, clk clock.Clock, logger *slog.Logger, checks ...HealthCheck) *HealthHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &HealthHandler{
		mode:     mode,
		exchange: exchange,
		started:  clk.Now(),
		checks:   checks,
		clock:    clk,
		logger:   logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck responds with the process status and the result of every
// dependency check. It answers 503 when a check fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	results := make(map[string]string, len(h.checks))

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			h.logger.WarnContext(r.Context(), "health check failed",
				slog.String("check", c.Name),
				slog.String("error", err.Error()),
			)
			results[c.Name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		results[c.Name] = "ok"
	}

	now := h.clock.Now()
	writeJSON(w, code, map[string]any{
		"status":         status,
		"mode":           h.mode,
		"exchange":       h.exchange,
		"uptime_seconds": int64(now.Sub(h.started).Seconds()),
		"checks":         results,
		"timestamp":      now.UTC().Format(time.RFC3339),
	})
}
