package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultHealthCheckTimeout = 5 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	transcripts Pinger
	executor    Pinger
	credentials func() bool
	timeout     time.Duration
}

// NewHealthHandler creates a health handler. executor and credentials may be nil.
func NewHealthHandler(transcripts, executor Pinger, credentials func() bool) *HealthHandler {
	return &HealthHandler{
		transcripts: transcripts,
		executor:    executor,
		credentials: credentials,
		timeout:     defaultHealthCheckTimeout,
	}
}

// Health returns the health status of the API and its dependencies. A missing
// model credential is reported but does not degrade the service.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.transcripts.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "storage", "error", err)
		checks["storage"] = "unreachable"
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	if h.executor != nil {
		if err := h.executor.Ping(ctx); err != nil {
			slog.Warn("Health check failed", "check", "executor", "error", err)
			checks["executor"] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["executor"] = "ok"
		}
	}

	if h.credentials != nil {
		if h.credentials() {
			checks["model"] = "ok"
		} else {
			checks["model"] = "placeholder"
		}
	}

	JSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
