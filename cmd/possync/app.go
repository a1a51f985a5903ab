package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"pos-sync-engine/internal/config"
	"pos-sync-engine/internal/connectivity"
	"pos-sync-engine/internal/remote"
	"pos-sync-engine/internal/storage"
	"pos-sync-engine/internal/syncengine"
)

// app holds the collaborators shared by the serve and sync commands
type app struct {
	cfg     *config.Config
	store   storage.MutationStore
	adapter remote.Adapter
	monitor *connectivity.Monitor
	engine  *syncengine.Engine
	closers []func()
}

// openStore opens the local durable store selected by STORAGE_BACKEND
func openStore(cfg *config.Config) (storage.MutationStore, error) {
	quota := config.ParseInt64(cfg.StorageQuotaBytes, 256<<20)

	switch strings.ToLower(cfg.StorageBackend) {
	case "sqlite", "":
		return storage.OpenSQLite(storage.SQLiteConfig{
			Path:       cfg.StoragePath,
			QuotaBytes: quota,
			Logger:     slog.Default().With("component", "storage"),
		})
	case "file", "memory":
		return storage.NewMemoryStore(storage.MemoryStoreConfig{
			FilePath:   cfg.StoragePath,
			QuotaBytes: quota,
			Logger:     slog.Default().With("component", "storage"),
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// openRemote creates the adapter selected by REMOTE_BACKEND. Both adapters double as the connectivity prober.
func openRemote(ctx context.Context, cfg *config.Config) (remote.Adapter, connectivity.Prober, func(), error) {
	switch strings.ToLower(cfg.RemoteBackend) {
	case "http", "":
		timeout := config.ParseDuration(cfg.RemoteTimeout, syncengine.DefaultConfig().RemoteTimeout)
		adapter := remote.NewHTTPAdapter(cfg.RemoteBaseURL, cfg.RemoteAPIKey, timeout)
		return adapter, adapter, func() {}, nil
	case "postgres":
		if cfg.RemoteDatabaseURL == "" {
			return nil, nil, nil, fmt.Errorf("REMOTE_DATABASE_URL is required for the postgres backend")
		}
		adapter, err := remote.NewPostgresAdapter(ctx, cfg.RemoteDatabaseURL, slog.Default().With("component", "remote"))
		if err != nil {
			return nil, nil, nil, err
		}
		return adapter, adapter, adapter.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown remote backend %q", cfg.RemoteBackend)
	}
}

// newApp wires storage, remote, connectivity and the engine. observer may be nil.
func newApp(ctx context.Context, cfg *config.Config, observer syncengine.Observer) (*app, error) {
	a := &app{cfg: cfg}

	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open local storage: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			slog.Error("Error closing local storage", "error", err)
		}
	})

	adapter, prober, closeRemote, err := openRemote(ctx, cfg)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create remote adapter: %w", err)
	}
	a.adapter = adapter
	a.closers = append(a.closers, closeRemote)

	a.monitor = connectivity.NewMonitor(prober, connectivity.Config{
		ProbeInterval: config.ParseDuration(cfg.ConnectivityPoll, connectivity.DefaultConfig().ProbeInterval),
		ProbeTimeout:  config.ParseDuration(cfg.RemoteTimeout, connectivity.DefaultConfig().ProbeTimeout),
		Debounce:      config.ParseDuration(cfg.ConnectivityWait, connectivity.DefaultConfig().Debounce),
	}, slog.Default().With("component", "connectivity"))

	a.engine, err = syncengine.New(syncengine.ConfigFromEnv(cfg), syncengine.Dependencies{
		Store:        store,
		Adapter:      adapter,
		Connectivity: a.monitor,
		Observer:     observer,
		Logger:       slog.Default().With("component", "syncengine"),
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// start probes connectivity once and starts the engine
func (a *app) start(ctx context.Context) error {
	a.monitor.Start(ctx)
	a.closers = append(a.closers, a.monitor.Stop)
	return a.engine.Start(ctx)
}

// shutdown stops the engine and releases everything newApp opened, in reverse order
func (a *app) shutdown(ctx context.Context) {
	if a.engine != nil {
		if err := a.engine.Shutdown(ctx); err != nil {
			slog.Error("Sync engine shutdown error", "error", err)
		}
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
