package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pos-sync-engine/internal/config"
	"pos-sync-engine/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAPIKeyAuth(t *testing.T) {
	handler := APIKeyAuth([]string{"till-01-secret", " till-02-secret ", ""})(okHandler())

	tests := []struct {
		name     string
		key      string
		wantCode int
		wantMsg  string
	}{
		{name: "missing key", key: "", wantCode: http.StatusUnauthorized, wantMsg: "API key required"},
		{name: "unknown key", key: "nope", wantCode: http.StatusUnauthorized, wantMsg: "Invalid API key"},
		{name: "first key", key: "till-01-secret", wantCode: http.StatusNoContent},
		{name: "trimmed key", key: "till-02-secret", wantCode: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/sync/status", nil)
			if tt.key != "" {
				req.Header.Set(APIKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantMsg != "" {
				var body models.ErrorResponse
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, "unauthorized", body.Code)
				assert.Equal(t, tt.wantMsg, body.Message)
				assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestAPIKeyAuth_NoKeysRejectsEverything(t *testing.T) {
	handler := APIKeyAuth(nil)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "***", maskAPIKey("abc"))
	assert.Equal(t, "****", maskAPIKey("demo"))
	assert.Equal(t, "demo****", maskAPIKey("demo-key"))
	assert.Equal(t, "till******", maskAPIKey("till-01-xy"))
}

func newTestLimiter(t *testing.T, limit int) (*RateLimiter, *time.Time) {
	t.Helper()
	rl := NewRateLimiter(RateLimitConfig{Enabled: true, RequestsPerWindow: limit, Window: time.Minute})
	t.Cleanup(rl.Stop)

	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl.mu.Lock()
	rl.now = func() time.Time { return clock }
	rl.mu.Unlock()
	return rl, &clock
}

func TestRateLimiter_FixedWindow(t *testing.T) {
	rl, clock := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		allowed, info := rl.Allow("key:till-01")
		require.True(t, allowed, "request %d", i+1)
		assert.Equal(t, 3-i-1, info.Remaining)
	}

	allowed, info := rl.Allow("key:till-01")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)

	allowed, _ = rl.Allow("key:till-02")
	assert.True(t, allowed, "other clients keep their own budget")

	rl.mu.Lock()
	*clock = clock.Add(time.Minute + time.Second)
	rl.mu.Unlock()

	allowed, _ = rl.Allow("key:till-01")
	assert.True(t, allowed, "a new window starts after reset")
	assert.Equal(t, 2, rl.ActiveClients())
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Enabled: false, RequestsPerWindow: 1, Window: time.Minute})
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		allowed, info := rl.Allow("ip:10.0.0.1")
		assert.True(t, allowed)
		assert.Equal(t, -1, info.Limit)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(t, 1)
	handler := RateLimit(rl)(okHandler())

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, path, nil)
		req.Header.Set(APIKeyHeader, "till-01-secret")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := send("/v1/records/sale/F-1")
	assert.Equal(t, http.StatusNoContent, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := send("/v1/records/sale/F-2")
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))

	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(second.Body).Decode(&body))
	assert.Equal(t, "rate_limit_exceeded", body.Code)

	assert.Equal(t, http.StatusNoContent, send("/health").Code, "health is never limited")
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "ip:10.0.0.9", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "ip:203.0.113.7", clientKey(req))

	req.Header.Set(APIKeyHeader, "till-01")
	assert.Equal(t, "key:till-01", clientKey(req))
}

func TestParseRateLimitConfig(t *testing.T) {
	rlc := ParseRateLimitConfig(&config.Config{
		RateLimitEnabled:  "off",
		RateLimitRequests: "-4",
		RateLimitWindow:   "soon",
	})
	assert.False(t, rlc.Enabled)
	assert.Equal(t, 600, rlc.RequestsPerWindow)
	assert.Equal(t, time.Minute, rlc.Window)

	rlc = ParseRateLimitConfig(&config.Config{RateLimitRequests: "20", RateLimitWindow: "30s"})
	assert.True(t, rlc.Enabled)
	assert.Equal(t, 20, rlc.RequestsPerWindow)
	assert.Equal(t, 30*time.Second, rlc.Window)
}
