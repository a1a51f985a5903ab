package central

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"pos-sync-engine/internal/middleware"
	"pos-sync-engine/internal/models"
	"pos-sync-engine/internal/telemetry"
)

const maxRecordBody = 1 << 20

// amountFields must never be negative on these entity types
var (
	amountFields = []string{"total", "amount"}
	amountTypes  = map[models.EntityType]bool{
		models.EntityTypeSale:           true,
		models.EntityTypeExpense:        true,
		models.EntityTypeLayawayPayment: true,
	}
)

// Server is a reference implementation of the central records API that tills sync against
type Server struct {
	records     *RecordStore
	locks       *RecordLockManager
	idempotency *IdempotencyCache
	version     string
	logger      *slog.Logger
}

// ServerConfig holds configuration for the central server
type ServerConfig struct {
	IdempotencyTTL     time.Duration
	IdempotencyCleanup time.Duration
	Version            string
	Logger             *slog.Logger
}

// NewServer creates a central server with empty storage
func NewServer(config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Version == "" {
		config.Version = "1.0.0"
	}
	return &Server{
		records:     NewRecordStore(),
		locks:       NewRecordLockManager(),
		idempotency: NewIdempotencyCache(config.IdempotencyTTL, config.IdempotencyCleanup),
		version:     config.Version,
		logger:      config.Logger,
	}
}

// Close stops background cleanup
func (s *Server) Close() {
	s.idempotency.Stop()
}

// Records exposes the record store for inspection
func (s *Server) Records() *RecordStore {
	return s.records
}

// RouterConfig wires the central server's middleware
type RouterConfig struct {
	APIKeys     []string
	RateLimiter *middleware.RateLimiter
	Telemetry   *telemetry.ApiTelemetry
}

// Router builds the mux router. /health is public; /v1 requires an API key.
func (s *Server) Router(config RouterConfig) *mux.Router {
	r := mux.NewRouter()

	if config.Telemetry != nil {
		r.Use(telemetry.NewTelemetryMiddleware(config.Telemetry, telemetry.MuxEndpoint).Middleware)
	}
	if config.RateLimiter != nil {
		r.Use(middleware.RateLimit(config.RateLimiter))
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.APIKeyAuth(config.APIKeys))

	v1.HandleFunc("/records/{entityType}/{key}", s.PutRecord).Methods("PUT")
	v1.HandleFunc("/records/{entityType}/{key}", s.DeleteRecord).Methods("DELETE")
	v1.HandleFunc("/records/{entityType}/{key}", s.GetRecord).Methods("GET")
	// Lets tills check their API key along with reachability
	v1.HandleFunc("/health", s.Health).Methods("GET")

	r.HandleFunc("/health", s.Health).Methods("GET")

	return r
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.HealthResponse{
		Status:    "healthy",
		Service:   "central-records",
		Version:   s.version,
		Timestamp: time.Now().UTC(),
	})
}

// GetRecord handles GET /v1/records/{entityType}/{key}
func (s *Server) GetRecord(w http.ResponseWriter, r *http.Request) {
	entityType, key, ok := recordTarget(w, r)
	if !ok {
		return
	}

	rec, err := s.records.Get(entityType, key)
	if err != nil {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Record not found", nil)
		return
	}
	writeJSONResponse(w, http.StatusOK, rec)
}

// PutRecord handles PUT /v1/records/{entityType}/{key} - create or update
func (s *Server) PutRecord(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, models.OperationUpdate)
}

// DeleteRecord handles DELETE /v1/records/{entityType}/{key}
func (s *Server) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, models.OperationDelete)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, op models.Operation) {
	entityType, key, ok := recordTarget(w, r)
	if !ok {
		return
	}

	req, err := decodeRecordRequest(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Invalid JSON", nil)
		return
	}

	mutationID := r.Header.Get("Idempotency-Key")
	if mutationID == "" {
		mutationID = req.MutationID
	}
	ts := mutationTimestamp(r, req)

	if op != models.OperationDelete {
		if details := validatePayload(entityType, key, req.Payload); len(details) > 0 {
			writeErrorResponse(w, http.StatusUnprocessableEntity, "validation_error", "Invalid record payload", details)
			return
		}
	}

	unlock := s.locks.Lock(recordKey(entityType, key))
	defer unlock()

	if mutationID != "" {
		if replay, ok := s.replay(entityType, key, mutationID); ok {
			s.logger.Info("Replayed mutation",
				"mutation_id", mutationID,
				"entity_type", entityType,
				"business_key", key)
			writeJSONResponse(w, replay.StatusCode, replay.Record)
			return
		}
	}

	var rec models.RecordResponse
	if op == models.OperationDelete {
		rec, err = s.records.Delete(entityType, key, mutationID, ts)
	} else {
		rec, err = s.records.Upsert(entityType, key, mutationID, req.Payload, ts)
	}

	switch {
	case errors.Is(err, ErrRecordNotFound):
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Record not found", nil)
		return
	case errors.Is(err, ErrStaleWrite):
		s.logger.Warn("Rejected stale write",
			"mutation_id", mutationID,
			"entity_type", entityType,
			"business_key", key,
			"authored_at", ts.Format(time.RFC3339Nano))
		writeErrorResponse(w, http.StatusConflict, "conflict",
			"A newer write already reached this record", nil)
		return
	case err != nil:
		s.logger.Error("Record write failed", "entity_type", entityType, "business_key", key, "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "Internal server error", nil)
		return
	}

	if mutationID != "" {
		s.idempotency.Set(mutationID, http.StatusOK, rec)
	}

	s.logger.Debug("Record written",
		"mutation_id", mutationID,
		"entity_type", entityType,
		"business_key", key,
		"operation", op,
		"version", rec.Version)

	writeJSONResponse(w, http.StatusOK, rec)
}

// replay finds an earlier answer for mutationID. Past the cache TTL a mutation
// still counts as replayed when it produced the record's current state.
func (s *Server) replay(entityType models.EntityType, key, mutationID string) (storedResponse, bool) {
	if stored, ok := s.idempotency.Get(mutationID); ok {
		stored.Record.Replayed = true
		return stored, true
	}
	if current, ok := s.records.LastMutation(entityType, key); ok && current.MutationID == mutationID {
		current.Replayed = true
		return storedResponse{StatusCode: http.StatusOK, Record: current}, true
	}
	return storedResponse{}, false
}

func recordTarget(w http.ResponseWriter, r *http.Request) (models.EntityType, string, bool) {
	vars := mux.Vars(r)
	entityType := models.EntityType(vars["entityType"])
	if !entityType.Valid() {
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Unknown entity type",
			[]models.ErrorDetail{{Field: "entityType", Issue: string(entityType)}})
		return "", "", false
	}
	return entityType, vars["key"], true
}

func decodeRecordRequest(r *http.Request) (models.RecordRequest, error) {
	var req models.RecordRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRecordBody))
	if err != nil {
		return req, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}
	err = json.Unmarshal(body, &req)
	return req, err
}

func mutationTimestamp(r *http.Request, req models.RecordRequest) time.Time {
	if !req.Timestamp.IsZero() {
		return req.Timestamp.UTC()
	}
	if header := r.Header.Get("X-Mutation-Timestamp"); header != "" {
		if ts, err := time.Parse(time.RFC3339Nano, header); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}

// validatePayload checks that the payload is an object whose business key agrees
// with the URL. Money fields on sales, expenses and layaway payments must not be negative.
func validatePayload(entityType models.EntityType, key string, payload json.RawMessage) []models.ErrorDetail {
	if len(payload) == 0 {
		return []models.ErrorDetail{{Field: "payload", Issue: "payload is required"}}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return []models.ErrorDetail{{Field: "payload", Issue: "payload must be a JSON object"}}
	}

	var details []models.ErrorDetail
	if payloadKey, ok := models.BusinessKeyFromPayload(entityType, payload); ok && payloadKey != key {
		details = append(details, models.ErrorDetail{
			Field: entityType.BusinessKeyField(),
			Issue: fmt.Sprintf("payload key %q does not match %q", payloadKey, key),
		})
	}

	for _, field := range amountFields {
		if !amountTypes[entityType] {
			break
		}
		raw, ok := fields[field]
		if !ok {
			continue
		}
		var amount float64
		if err := json.Unmarshal(raw, &amount); err != nil {
			details = append(details, models.ErrorDetail{Field: field, Issue: "must be a number"})
			continue
		}
		if amount < 0 {
			details = append(details, models.ErrorDetail{Field: field, Issue: "must not be negative"})
		}
	}
	return details
}

func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details []models.ErrorDetail) {
	middleware.WriteErrorResponse(w, statusCode, code, message, details)
}
