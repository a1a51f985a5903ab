package central

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pos-sync-engine/internal/middleware"
	"pos-sync-engine/internal/models"
)

const testKey = "central-secret"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	srv := NewServer(ServerConfig{IdempotencyTTL: time.Minute, Logger: quietLogger})
	t.Cleanup(srv.Close)
	return srv, srv.Router(RouterConfig{APIKeys: []string{testKey}})
}

type writeRequest struct {
	method     string
	path       string
	mutationID string
	payload    string
	ts         time.Time
}

func send(t *testing.T, h http.Handler, wr writeRequest) *httptest.ResponseRecorder {
	t.Helper()
	body := models.RecordRequest{MutationID: wr.mutationID, Timestamp: wr.ts}
	if wr.payload != "" {
		body.Payload = json.RawMessage(wr.payload)
	}
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(wr.method, wr.path, strings.NewReader(string(data)))
	req.Header.Set(middleware.APIKeyHeader, testKey)
	if wr.mutationID != "" {
		req.Header.Set("Idempotency-Key", wr.mutationID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeRecord(t *testing.T, rec *httptest.ResponseRecorder) models.RecordResponse {
	t.Helper()
	var out models.RecordResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestPutRecord_CreateThenUpdate(t *testing.T) {
	srv, h := newTestServer(t)

	rec := send(t, h, writeRequest{method: http.MethodPut, path: "/v1/records/customer/C-7",
		mutationID: "m1", payload: `{"id":"C-7","phone":"111"}`, ts: t0})
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeRecord(t, rec)
	assert.Equal(t, int64(1), first.Version)
	assert.False(t, first.Replayed)

	rec = send(t, h, writeRequest{method: http.MethodPut, path: "/v1/records/customer/C-7",
		mutationID: "m2", payload: `{"id":"C-7","phone":"222"}`, ts: t0.Add(time.Second)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decodeRecord(t, rec).Version)

	current, err := srv.Records().Get(models.EntityTypeCustomer, "C-7")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"C-7","phone":"222"}`, string(current.Payload))
	assert.Equal(t, "m2", current.MutationID)
}

func TestPutRecord_ReplayReturnsOriginalResponse(t *testing.T) {
	srv, h := newTestServer(t)

	wr := writeRequest{method: http.MethodPut, path: "/v1/records/sale/F-50000",
		mutationID: "sale-1", payload: `{"invoice_number":"F-50000","total":50000}`, ts: t0}

	first := decodeRecord(t, send(t, h, wr))
	replayRec := send(t, h, wr)
	require.Equal(t, http.StatusOK, replayRec.Code)
	replay := decodeRecord(t, replayRec)

	assert.True(t, replay.Replayed)
	assert.Equal(t, first.Version, replay.Version)
	assert.Equal(t, first.UpdatedAt, replay.UpdatedAt)
	assert.Equal(t, 1, srv.Records().Count())

	current, err := srv.Records().Get(models.EntityTypeSale, "F-50000")
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version, "a replay never writes twice")
}

func TestPutRecord_ReplayAfterCacheExpiry(t *testing.T) {
	srv, h := newTestServer(t)

	wr := writeRequest{method: http.MethodPut, path: "/v1/records/sale/F-1",
		mutationID: "sale-1", payload: `{"invoice_number":"F-1","total":10}`, ts: t0}
	require.Equal(t, http.StatusOK, send(t, h, wr).Code)

	srv.idempotency.mu.Lock()
	srv.idempotency.now = func() time.Time { return time.Now().Add(time.Hour) }
	srv.idempotency.mu.Unlock()

	replay := decodeRecord(t, send(t, h, wr))
	assert.True(t, replay.Replayed, "the record's own mutation id still identifies the replay")
	assert.Equal(t, int64(1), replay.Version)
}

func TestPutRecord_StaleWriteConflicts(t *testing.T) {
	_, h := newTestServer(t)

	require.Equal(t, http.StatusOK, send(t, h, writeRequest{method: http.MethodPut,
		path: "/v1/records/customer/C-1", mutationID: "late", payload: `{"id":"C-1"}`, ts: t0.Add(time.Minute)}).Code)

	rec := send(t, h, writeRequest{method: http.MethodPut,
		path: "/v1/records/customer/C-1", mutationID: "early", payload: `{"id":"C-1"}`, ts: t0})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = send(t, h, writeRequest{method: http.MethodPut,
		path: "/v1/records/customer/C-1", mutationID: "same-time", payload: `{"id":"C-1"}`, ts: t0.Add(time.Minute)})
	assert.Equal(t, http.StatusOK, rec.Code, "an equal timestamp wins")
}

func TestPutRecord_Validation(t *testing.T) {
	_, h := newTestServer(t)

	tests := []struct {
		name     string
		path     string
		payload  string
		wantCode int
	}{
		{name: "unknown entity", path: "/v1/records/spaceship/X", payload: `{}`, wantCode: http.StatusBadRequest},
		{name: "missing payload", path: "/v1/records/expense/E-1", wantCode: http.StatusUnprocessableEntity},
		{name: "not an object", path: "/v1/records/expense/E-1", payload: `[1,2]`, wantCode: http.StatusUnprocessableEntity},
		{name: "key mismatch", path: "/v1/records/sale/F-1", payload: `{"invoice_number":"F-2"}`, wantCode: http.StatusUnprocessableEntity},
		{name: "negative amount", path: "/v1/records/expense/E-1", payload: `{"id":"E-1","amount":-5}`, wantCode: http.StatusUnprocessableEntity},
		{name: "negative cash movement allowed", path: "/v1/records/cash_movement/CM-1", payload: `{"id":"CM-1","amount":-5}`, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := send(t, h, writeRequest{method: http.MethodPut, path: tt.path, payload: tt.payload, ts: t0})
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestDeleteRecord(t *testing.T) {
	_, h := newTestServer(t)

	rec := send(t, h, writeRequest{method: http.MethodDelete, path: "/v1/records/customer/C-9", mutationID: "d0", ts: t0})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, send(t, h, writeRequest{method: http.MethodPut,
		path: "/v1/records/customer/C-9", mutationID: "c1", payload: `{"id":"C-9"}`, ts: t0}).Code)

	rec = send(t, h, writeRequest{method: http.MethodDelete, path: "/v1/records/customer/C-9", mutationID: "d1", ts: t0.Add(time.Second)})
	require.Equal(t, http.StatusOK, rec.Code)
	deleted := decodeRecord(t, rec)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, int64(2), deleted.Version)

	req := httptest.NewRequest(http.MethodGet, "/v1/records/customer/C-9", nil)
	req.Header.Set(middleware.APIKeyHeader, testKey)
	get := httptest.NewRecorder()
	h.ServeHTTP(get, req)
	assert.Equal(t, http.StatusNotFound, get.Code)

	replay := send(t, h, writeRequest{method: http.MethodDelete, path: "/v1/records/customer/C-9", mutationID: "d1", ts: t0.Add(time.Second)})
	assert.Equal(t, http.StatusOK, replay.Code, "a replayed delete gets its original answer")
	assert.True(t, decodeRecord(t, replay).Replayed)
}

func TestRouter_AuthAndHealth(t *testing.T) {
	_, h := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health models.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "central-records", health.Service)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/records/sale/F-1", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/health", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(middleware.APIKeyHeader, testKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_RateLimited(t *testing.T) {
	srv := NewServer(ServerConfig{Logger: quietLogger})
	defer srv.Close()
	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{Enabled: true, RequestsPerWindow: 1, Window: time.Minute})
	defer limiter.Stop()
	h := srv.Router(RouterConfig{APIKeys: []string{testKey}, RateLimiter: limiter})

	wr := writeRequest{method: http.MethodPut, path: "/v1/records/customer/C-1", payload: `{"id":"C-1"}`, ts: t0}
	assert.Equal(t, http.StatusOK, send(t, h, wr).Code)
	assert.Equal(t, http.StatusTooManyRequests, send(t, h, wr).Code)
}

func TestRecordLockManager_SerializesSameKey(t *testing.T) {
	locks := NewRecordLockManager()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.WithLock("sale/F-1", func() {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, locks.ActiveLocks(), "unused locks are released")
}

func TestIdempotencyCache_Expiry(t *testing.T) {
	cache := NewIdempotencyCache(time.Minute, time.Hour)
	defer cache.Stop()

	clock := t0
	cache.mu.Lock()
	cache.now = func() time.Time { return clock }
	cache.mu.Unlock()

	cache.Set("m1", http.StatusOK, models.RecordResponse{Version: 3})
	stored, ok := cache.Get("m1")
	require.True(t, ok)
	assert.Equal(t, int64(3), stored.Record.Version)

	cache.mu.Lock()
	clock = t0.Add(2 * time.Minute)
	cache.mu.Unlock()

	_, ok = cache.Get("m1")
	assert.False(t, ok)
	assert.Equal(t, 1, cache.Size())

	cache.performCleanup()
	assert.Equal(t, 0, cache.Size())
}
