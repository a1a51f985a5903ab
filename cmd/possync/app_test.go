package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-engine/internal/central"
	"pos-sync-engine/internal/config"
	"pos-sync-engine/internal/models"
	"pos-sync-engine/internal/remote"
	"pos-sync-engine/internal/storage"
)

func TestOpenStore_Backends(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		backend string
		path    string
		want    any
	}{
		{name: "sqlite", backend: "sqlite", path: filepath.Join(dir, "till.db"), want: &storage.SQLiteStore{}},
		{name: "default is sqlite", backend: "", path: filepath.Join(dir, "default.db"), want: &storage.SQLiteStore{}},
		{name: "file", backend: "file", path: filepath.Join(dir, "till.json"), want: &storage.MemoryStore{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := openStore(&config.Config{StorageBackend: tt.backend, StoragePath: tt.path})
			require.NoError(t, err)
			defer store.Close()
			assert.IsType(t, tt.want, store)
		})
	}

	_, err := openStore(&config.Config{StorageBackend: "floppy"})
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestOpenRemote_Backends(t *testing.T) {
	ctx := context.Background()

	adapter, prober, closeRemote, err := openRemote(ctx, &config.Config{RemoteBackend: "http", RemoteBaseURL: "http://central.local"})
	require.NoError(t, err)
	defer closeRemote()
	assert.IsType(t, &remote.HTTPAdapter{}, adapter)
	assert.Same(t, adapter, prober)

	_, _, _, err = openRemote(ctx, &config.Config{RemoteBackend: "postgres"})
	assert.ErrorContains(t, err, "REMOTE_DATABASE_URL")

	_, _, _, err = openRemote(ctx, &config.Config{RemoteBackend: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unknown remote backend")
}

func TestNewApp_SyncsAgainstCentral(t *testing.T) {
	srv := central.NewServer(central.ServerConfig{})
	defer srv.Close()
	server := httptest.NewServer(srv.Router(central.RouterConfig{APIKeys: []string{"till-key"}}))
	defer server.Close()

	cfg := &config.Config{
		StorageBackend:   "file",
		StoragePath:      filepath.Join(t.TempDir(), "queue.json"),
		RemoteBackend:    "http",
		RemoteBaseURL:    server.URL,
		RemoteAPIKey:     "till-key",
		RemoteTimeout:    "2s",
		SyncInterval:     "1h",
		ConnectivityPoll: "1h",
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, nil)
	require.NoError(t, err)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.shutdown(shutdownCtx)
	}()
	require.NoError(t, a.start(ctx))
	require.True(t, a.engine.IsOnline())

	_, err = a.engine.Enqueue(ctx, models.EntityTypeSale, models.OperationCreate,
		[]byte(`{"invoice_number":"F-77","total":1200}`))
	require.NoError(t, err)

	result, err := a.engine.ForceSyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Success)

	record, err := srv.Records().Get(models.EntityTypeSale, "F-77")
	require.NoError(t, err)
	assert.JSONEq(t, `{"invoice_number":"F-77","total":1200}`, string(record.Payload))
}
