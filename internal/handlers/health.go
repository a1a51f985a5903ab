package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"pos-sync-engine/internal/models"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	engine      SyncService
	serviceName string
	version     string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(engine SyncService, serviceName, version string) *HealthHandler {
	return &HealthHandler{
		engine:      engine,
		serviceName: serviceName,
		version:     version,
	}
}

// HealthCheck handles GET /health. Being offline is a normal operating mode for a
// till, so it reports "degraded" with 200 rather than failing the check.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	online := h.engine.IsOnline()
	slog.Debug("Health check requested", "remote_addr", r.RemoteAddr, "online", online)

	status := "healthy"
	if !online {
		status = "degraded"
	}

	writeJSONResponse(w, http.StatusOK, models.HealthResponse{
		Status:    status,
		Service:   h.serviceName,
		Version:   h.version,
		Online:    &online,
		Timestamp: time.Now().UTC(),
	})
}
