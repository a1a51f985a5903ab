package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"pos-sync-engine/internal/models"
	"pos-sync-engine/internal/storage"
)

// CacheStore holds read entities fetched from the remote store for offline lookups
type CacheStore interface {
	PutCached(ctx context.Context, entityType models.EntityType, key string, payload json.RawMessage) error
	GetCached(ctx context.Context, entityType models.EntityType, key string) (json.RawMessage, error)
}

// CacheHandler handles the read-cache endpoints
type CacheHandler struct {
	store  CacheStore
	logger *slog.Logger
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(store CacheStore, logger *slog.Logger) *CacheHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CacheHandler{store: store, logger: logger}
}

// PutEntity handles PUT /v1/cache/{entityType}/{key}
func (h *CacheHandler) PutEntity(w http.ResponseWriter, r *http.Request) {
	entityType, key, ok := cacheTarget(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMutationBody))
	if err != nil {
		writeErrorResponse(w, http.StatusRequestEntityTooLarge, "bad_request", "Body too large", nil)
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Body must be a JSON document", nil)
		return
	}

	if err := h.store.PutCached(r.Context(), entityType, key, body); err != nil {
		if errors.Is(err, storage.ErrStorageFull) {
			writeErrorResponse(w, http.StatusInsufficientStorage, "storage_full", "Local storage is full", nil)
			return
		}
		h.logger.Error("Failed to cache entity", "entity_type", entityType, "key", key, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error", nil)
		return
	}

	writeJSONResponse(w, http.StatusOK, models.CachedEntityResponse{EntityType: entityType, Key: key, Payload: body})
}

// GetEntity handles GET /v1/cache/{entityType}/{key}
func (h *CacheHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entityType, key, ok := cacheTarget(w, r)
	if !ok {
		return
	}

	payload, err := h.store.GetCached(r.Context(), entityType, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeErrorResponse(w, http.StatusNotFound, "not_found", "Entity not cached", nil)
			return
		}
		h.logger.Error("Failed to read cached entity", "entity_type", entityType, "key", key, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error", nil)
		return
	}

	writeJSONResponse(w, http.StatusOK, models.CachedEntityResponse{EntityType: entityType, Key: key, Payload: payload})
}

func cacheTarget(w http.ResponseWriter, r *http.Request) (models.EntityType, string, bool) {
	entityType := models.EntityType(chi.URLParam(r, "entityType"))
	key := chi.URLParam(r, "key")
	if !entityType.Valid() {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Unknown entity type",
			[]models.ErrorDetail{{Field: "entityType", Issue: string(entityType)}})
		return "", "", false
	}
	if key == "" {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Key is required", nil)
		return "", "", false
	}
	return entityType, key, true
}
