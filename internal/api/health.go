package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// Checker is anything with a liveness probe.
type Checker interface {
	Ping(ctx context.Context) error
}

// CheckFunc adapts a function to Checker.
type CheckFunc func(ctx context.Context) error

// Ping calls f.
func (f CheckFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db       Checker
	advisory Checker
}

// NewHealthHandler creates a health handler. advisory may be nil when
// advisory calls are disabled.
func NewHealthHandler(db, advisory Checker) *HealthHandler {
	return &HealthHandler{db: db, advisory: advisory}
}

// Health returns the health status of the API and its dependencies. The
// advisory service only degrades the report; sessions keep working on
// fallbacks without it.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	switch {
	case h.advisory == nil:
		checks["advisory"] = "disabled"
	case h.advisory.Ping(ctx) != nil:
		checks["advisory"] = "unavailable"
		if statusCode == http.StatusOK {
			status = "degraded"
		}
	default:
		checks["advisory"] = "ok"
	}

	JSON(w, statusCode, map[string]interface{}{"status": status, "checks": checks})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
