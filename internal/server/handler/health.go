// Package handler holds the HTTP API handlers.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is a named dependency the health endpoint probes.
type Pinger struct {
	Name string
	Ping func(ctx context.Context) error
}

// Health reports liveness and per-dependency readiness.
type Health struct {
	deps   []Pinger
	logger *slog.Logger
}

// NewHealth creates a Health handler probing the given dependencies.
func NewHealth(deps []Pinger, logger *slog.Logger) *Health {
	return &Health{deps: deps, logger: logHandler(logger, "health")}
}

// Live handles GET /health/live.
func (h *Health) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready: every registered dependency is probed with
// a short timeout and the worst result decides the status code.
func (h *Health) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for _, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[dep.Name] = err.Error()
			status = http.StatusServiceUnavailable
			h.logger.Warn("dependency unhealthy",
				slog.String("dependency", dep.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		checks[dep.Name] = "ok"
	}

	writeJSON(w, status, map[string]any{
		"status": http.StatusText(status),
		"checks": checks,
	})
}
