package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pos-sync-engine/internal/models"
	"pos-sync-engine/internal/status"
	"pos-sync-engine/internal/storage"
	"pos-sync-engine/internal/syncengine"
)

const testKey = "till-01-secret"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEngine struct {
	mu        sync.Mutex
	online    bool
	pending   int
	enqueued  []models.EnqueueRequest
	cleared   bool
	forceErr  error
	enqueueFn func(req models.EnqueueRequest) (*models.PendingMutation, error)
	failed    map[string]models.PendingMutation
	publisher *status.Publisher
}

func newFakeEngine(t *testing.T) *fakeEngine {
	pub := status.NewPublisher(models.SyncStatus{Type: models.SyncStatusIdle, Online: true}, nil)
	t.Cleanup(pub.Close)
	return &fakeEngine{online: true, publisher: pub}
}

func (f *fakeEngine) Enqueue(ctx context.Context, entityType models.EntityType, operation models.Operation, payload json.RawMessage) (*models.PendingMutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req := models.EnqueueRequest{EntityType: entityType, Operation: operation, Payload: payload}
	if f.enqueueFn != nil {
		return f.enqueueFn(req)
	}
	f.enqueued = append(f.enqueued, req)
	f.pending++
	return &models.PendingMutation{
		ID:          fmt.Sprintf("m-%d", len(f.enqueued)),
		EntityType:  entityType,
		BusinessKey: "F-50000",
		Operation:   operation,
		Payload:     payload,
		Status:      models.MutationStatusPending,
	}, nil
}

func (f *fakeEngine) ForceSyncNow(ctx context.Context) (*models.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forceErr != nil {
		return nil, f.forceErr
	}
	synced := f.pending
	f.pending = 0
	return &models.SyncResult{Success: synced, Details: []string{}, Trigger: models.TriggerManual}, nil
}

func (f *fakeEngine) GetPendingCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeEngine) GetStorageStats(ctx context.Context) (*storage.StorageStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &storage.StorageStats{Backend: "memory", TotalPending: f.pending}, nil
}

func (f *fakeEngine) ClearOfflineData(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	f.pending = 0
	return nil
}

func (f *fakeEngine) ListFailed(ctx context.Context) ([]models.PendingMutation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var failed []models.PendingMutation
	for _, m := range f.failed {
		failed = append(failed, m)
	}
	return failed, nil
}

func (f *fakeEngine) RetryFailed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.failed[id]; !ok {
		return fmt.Errorf("failed to retry mutation %s: %w", id, storage.ErrNotFound)
	}
	delete(f.failed, id)
	f.pending++
	return nil
}

func (f *fakeEngine) DiscardFailed(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "m-pending" {
		return fmt.Errorf("failed to discard mutation %s: %w", id, storage.ErrNotFailed)
	}
	if _, ok := f.failed[id]; !ok {
		return fmt.Errorf("failed to discard mutation %s: %w", id, storage.ErrNotFound)
	}
	delete(f.failed, id)
	return nil
}

func (f *fakeEngine) Status() models.SyncStatus { return f.publisher.Current() }

func (f *fakeEngine) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeEngine) Subscribe(callback status.Callback) func() {
	return f.publisher.Subscribe(callback)
}

type testServer struct {
	engine *fakeEngine
	cache  *storage.MemoryStore
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	engine := newFakeEngine(t)
	cache, err := storage.NewMemoryStore(storage.MemoryStoreConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	return &testServer{
		engine: engine,
		cache:  cache,
		router: NewRouter(RouterConfig{
			Engine:      engine,
			Cache:       cache,
			APIKeys:     []string{testKey},
			ServiceName: "possync",
			Version:     "test",
		}),
	}
}

func (s *testServer) do(t *testing.T, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealthCheck_NoAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health models.HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "possync", health.Service)
	require.NotNil(t, health.Online)
	assert.True(t, *health.Online)

	srv.engine.mu.Lock()
	srv.engine.online = false
	srv.engine.mu.Unlock()

	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", health.Status)
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/v1/sync/status", "/v1/sync/pending", "/v1/sync/stats"} {
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestEnqueueThenForceSync(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodPost, "/v1/mutations",
		`{"entityType":"sale","operation":"create","payload":{"invoice_number":"F-50000","total":50000}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var mutation models.PendingMutation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&mutation))
	assert.Equal(t, models.EntityTypeSale, mutation.EntityType)
	assert.Equal(t, "F-50000", mutation.BusinessKey)
	assert.JSONEq(t, `{"invoice_number":"F-50000","total":50000}`, string(mutation.Payload))

	rec = srv.do(t, http.MethodGet, "/v1/sync/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pendingCount":1}`, rec.Body.String())

	rec = srv.do(t, http.MethodPost, "/v1/sync/force", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var result models.SyncResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
	assert.Equal(t, 1, result.Success)
	assert.Equal(t, models.TriggerManual, result.Trigger)
}

func TestEnqueueErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
		wantErr  string
	}{
		{
			name:     "malformed json",
			body:     `{"entityType":`,
			wantCode: http.StatusBadRequest,
			wantErr:  "bad_request",
		},
		{
			name: "validation",
			body: `{"entityType":"sale","operation":"create","payload":{}}`,
			err: &syncengine.ValidationError{Details: []models.ErrorDetail{
				{Field: "invoice_number", Issue: "business key is required"},
			}},
			wantCode: http.StatusBadRequest,
			wantErr:  "validation_error",
		},
		{
			name:     "storage full",
			body:     `{"entityType":"sale","operation":"create","payload":{"invoice_number":"F-1"}}`,
			err:      fmt.Errorf("failed to enqueue sale F-1: %w", storage.ErrStorageFull),
			wantCode: http.StatusInsufficientStorage,
			wantErr:  "storage_full",
		},
		{
			name:     "engine stopped",
			body:     `{"entityType":"sale","operation":"create","payload":{"invoice_number":"F-1"}}`,
			err:      syncengine.ErrEngineStopped,
			wantCode: http.StatusServiceUnavailable,
			wantErr:  "unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t)
			srv.engine.enqueueFn = func(models.EnqueueRequest) (*models.PendingMutation, error) {
				return nil, tt.err
			}

			rec := srv.do(t, http.MethodPost, "/v1/mutations", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, tt.wantErr, body.Code)
			if tt.wantErr == "validation_error" {
				require.Len(t, body.Details, 1)
				assert.Equal(t, "invoice_number", body.Details[0].Field)
			}
		})
	}
}

func TestForceSync_Offline(t *testing.T) {
	srv := newTestServer(t)
	srv.engine.forceErr = syncengine.ErrOffline

	rec := srv.do(t, http.MethodPost, "/v1/sync/force", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "offline", decodeError(t, rec).Code)
}

func TestClearOfflineData_RequiresConfirmation(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodDelete, "/v1/sync/offline-data", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "confirmation_required", decodeError(t, rec).Code)
	assert.False(t, srv.engine.cleared)

	rec = srv.do(t, http.MethodDelete, "/v1/sync/offline-data?confirm=true", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, srv.engine.cleared)
}

func TestStatusAndStats(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/v1/sync/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st models.SyncStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, models.SyncStatusIdle, st.Type)

	rec = srv.do(t, http.MethodGet, "/v1/sync/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats storage.StorageStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, "memory", stats.Backend)
}

func TestCacheEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.do(t, http.MethodGet, "/v1/cache/product/SKU-9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = srv.do(t, http.MethodPut, "/v1/cache/product/SKU-9", `{"sku":"SKU-9","price":1200}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = srv.do(t, http.MethodGet, "/v1/cache/product/SKU-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cached models.CachedEntityResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cached))
	assert.Equal(t, models.EntityTypeProduct, cached.EntityType)
	assert.JSONEq(t, `{"sku":"SKU-9","price":1200}`, string(cached.Payload))

	stats, err := srv.cache.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalCached)

	rec = srv.do(t, http.MethodPut, "/v1/cache/spaceship/X", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = srv.do(t, http.MethodPut, "/v1/cache/product/SKU-9", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusStream(t *testing.T) {
	engine := newFakeEngine(t)
	stream := NewStreamHandler(engine, nil, nil)
	server := httptest.NewServer(NewRouter(RouterConfig{
		Engine:  engine,
		Stream:  stream,
		APIKeys: []string{testKey},
	}))
	defer server.Close()
	defer stream.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/sync/stream"
	_, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: server.Client()})
	require.Error(t, err, "stream requires an API key")
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: server.Client(),
		HTTPHeader: http.Header{"X-API-Key": []string{testKey}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	var first models.SyncStatus
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, models.SyncStatusIdle, first.Type, "current status is sent on connect")

	engine.publisher.Publish(models.SyncStatus{Type: models.SyncStatusSyncing, Online: true, PendingCount: 2})

	var next models.SyncStatus
	require.NoError(t, wsjson.Read(ctx, conn, &next))
	assert.Equal(t, models.SyncStatusSyncing, next.Type)
	assert.Equal(t, 2, next.PendingCount)

	// Close waits for the close handshake, so the client has to keep reading
	closed := make(chan struct{})
	go func() {
		stream.Close()
		close(closed)
	}()
	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	<-closed
}

func TestWriteJSONResponse(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSONResponse(rec, http.StatusCreated, map[string]int{"n": 1})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte(`"n":1`)))
}

func TestFailedMutations_ListRetryDiscard(t *testing.T) {
	srv := newTestServer(t)
	srv.engine.failed = map[string]models.PendingMutation{
		"m-1": {ID: "m-1", EntityType: models.EntityTypeSale, BusinessKey: "F-1",
			Status: models.MutationStatusFailedPermanent, LastError: "gave up after 5 attempts"},
		"m-2": {ID: "m-2", EntityType: models.EntityTypeExpense, BusinessKey: "e-2",
			Status: models.MutationStatusFailedPermanent, LastError: "validation_rejected"},
	}

	rec := srv.do(t, http.MethodGet, "/v1/sync/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list models.FailedMutationsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Equal(t, 2, list.Count)
	assert.Len(t, list.Mutations, 2)

	rec = srv.do(t, http.MethodPost, "/v1/sync/failed/m-1/retry", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	pending, err := srv.engine.GetPendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	rec = srv.do(t, http.MethodDelete, "/v1/sync/failed/m-2", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = srv.do(t, http.MethodGet, "/v1/sync/failed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Zero(t, list.Count)
	assert.NotNil(t, list.Mutations)

	rec = srv.do(t, http.MethodPost, "/v1/sync/failed/m-9/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Code)

	rec = srv.do(t, http.MethodDelete, "/v1/sync/failed/m-pending", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_failed", decodeError(t, rec).Code)

	unauthenticated := httptest.NewRecorder()
	srv.router.ServeHTTP(unauthenticated, httptest.NewRequest(http.MethodGet, "/v1/sync/failed", nil))
	assert.Equal(t, http.StatusUnauthorized, unauthenticated.Code)
}
