package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pos-sync-engine/internal/models"
	"pos-sync-engine/internal/status"
	"pos-sync-engine/internal/storage"
	"pos-sync-engine/internal/syncengine"
)

// maxMutationBody caps POST /v1/mutations bodies
const maxMutationBody = 1 << 20

// SyncService is the part of the sync engine the control API drives
type SyncService interface {
	Enqueue(ctx context.Context, entityType models.EntityType, operation models.Operation, payload json.RawMessage) (*models.PendingMutation, error)
	ForceSyncNow(ctx context.Context) (*models.SyncResult, error)
	GetPendingCount(ctx context.Context) (int, error)
	GetStorageStats(ctx context.Context) (*storage.StorageStats, error)
	ClearOfflineData(ctx context.Context) error
	ListFailed(ctx context.Context) ([]models.PendingMutation, error)
	RetryFailed(ctx context.Context, id string) error
	DiscardFailed(ctx context.Context, id string) error
	Status() models.SyncStatus
	IsOnline() bool
	Subscribe(callback status.Callback) func()
}

// SyncHandler handles the local sync control endpoints
type SyncHandler struct {
	engine SyncService
	logger *slog.Logger
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(engine SyncService, logger *slog.Logger) *SyncHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncHandler{engine: engine, logger: logger}
}

// GetStatus handles GET /v1/sync/status
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, h.engine.Status())
}

// ForceSync handles POST /v1/sync/force - run a pass now and wait for its result
func (h *SyncHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ForceSyncNow(r.Context())
	if err != nil {
		h.writeEngineError(w, "force sync", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, result)
}

// GetPending handles GET /v1/sync/pending
func (h *SyncHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	count, err := h.engine.GetPendingCount(r.Context())
	if err != nil {
		h.writeEngineError(w, "count pending mutations", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.PendingCountResponse{PendingCount: count})
}

// GetStats handles GET /v1/sync/stats
func (h *SyncHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetStorageStats(r.Context())
	if err != nil {
		h.writeEngineError(w, "read storage stats", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stats)
}

// ClearOfflineData handles DELETE /v1/sync/offline-data?confirm=true.
// Unsynced sales are lost, so the caller has to confirm explicitly.
func (h *SyncHandler) ClearOfflineData(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("confirm") != "true" {
		writeErrorResponse(w, http.StatusBadRequest, "confirmation_required",
			"Clearing offline data discards unsynced mutations",
			[]models.ErrorDetail{{Field: "confirm", Issue: "must be true"}})
		return
	}

	if err := h.engine.ClearOfflineData(r.Context()); err != nil {
		h.writeEngineError(w, "clear offline data", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListFailed handles GET /v1/sync/failed
func (h *SyncHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := h.engine.ListFailed(r.Context())
	if err != nil {
		h.writeEngineError(w, "list failed mutations", err)
		return
	}
	if failed == nil {
		failed = []models.PendingMutation{}
	}
	writeJSONResponse(w, http.StatusOK, models.FailedMutationsResponse{Mutations: failed, Count: len(failed)})
}

// RetryFailed handles POST /v1/sync/failed/{id}/retry
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RetryFailed(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, "retry failed mutation", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// DiscardFailed handles DELETE /v1/sync/failed/{id}
func (h *SyncHandler) DiscardFailed(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DiscardFailed(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeEngineError(w, "discard failed mutation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Enqueue handles POST /v1/mutations
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMutationBody)).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Invalid JSON", nil)
		return
	}

	mutation, err := h.engine.Enqueue(r.Context(), req.EntityType, req.Operation, req.Payload)
	if err != nil {
		h.writeEngineError(w, "enqueue mutation", err)
		return
	}
	writeJSONResponse(w, http.StatusAccepted, mutation)
}

// writeEngineError maps engine and storage errors onto HTTP statuses
func (h *SyncHandler) writeEngineError(w http.ResponseWriter, action string, err error) {
	var validationErr *syncengine.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeErrorResponse(w, http.StatusBadRequest, "validation_error", "Invalid mutation", validationErr.Details)
	case errors.Is(err, storage.ErrStorageFull):
		h.logger.Error("Local storage full", "action", action, "error", err)
		writeErrorResponse(w, http.StatusInsufficientStorage, "storage_full",
			"Local storage is full; sync or clear offline data before recording more", nil)
	case errors.Is(err, storage.ErrNotFound):
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Mutation not found", nil)
	case errors.Is(err, storage.ErrNotFailed):
		writeErrorResponse(w, http.StatusConflict, "not_failed", "Mutation has not failed permanently", nil)
	case errors.Is(err, syncengine.ErrOffline):
		writeErrorResponse(w, http.StatusServiceUnavailable, "offline", "Remote store is unreachable", nil)
	case errors.Is(err, syncengine.ErrEngineStopped):
		writeErrorResponse(w, http.StatusServiceUnavailable, "unavailable", "Sync engine is shutting down", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeErrorResponse(w, http.StatusGatewayTimeout, "timeout", "Request ended before the operation finished", nil)
	default:
		h.logger.Error("Sync operation failed", "action", action, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error", nil)
	}
}
