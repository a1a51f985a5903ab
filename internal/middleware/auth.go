package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"pos-sync-engine/internal/models"
)

// APIKeyHeader carries the caller's key on every protected request
const APIKeyHeader = "X-API-Key"

// APIKeyAuth rejects requests whose X-API-Key is missing or not in keys.
// An empty key list rejects everything.
func APIKeyAuth(keys []string) func(http.Handler) http.Handler {
	valid := make([][]byte, 0, len(keys))
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			valid = append(valid, []byte(key))
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get(APIKeyHeader)
			if apiKey == "" {
				slog.Warn("Authentication failed: missing API key", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				WriteErrorResponse(w, http.StatusUnauthorized, "unauthorized", "API key required", nil)
				return
			}

			if !matchesAny(valid, apiKey) {
				slog.Warn("Authentication failed: invalid API key",
					"remote_addr", r.RemoteAddr,
					"path", r.URL.Path,
					"api_key", maskAPIKey(apiKey))
				WriteErrorResponse(w, http.StatusUnauthorized, "unauthorized", "Invalid API key", nil)
				return
			}

			slog.Debug("Authentication successful", "remote_addr", r.RemoteAddr, "api_key", maskAPIKey(apiKey))
			next.ServeHTTP(w, r)
		})
	}
}

func matchesAny(valid [][]byte, apiKey string) bool {
	provided := []byte(apiKey)
	found := false
	for _, key := range valid {
		if subtle.ConstantTimeCompare(key, provided) == 1 {
			found = true
		}
	}
	return found
}

// maskAPIKey keeps the first four characters so operators can tell keys apart in logs
func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 4 {
		return strings.Repeat("*", len(apiKey))
	}
	return apiKey[:4] + strings.Repeat("*", len(apiKey)-4)
}

// WriteErrorResponse writes the standard JSON error body
func WriteErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details []models.ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
