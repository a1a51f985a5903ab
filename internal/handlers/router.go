package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	authmiddleware "pos-sync-engine/internal/middleware"
	"pos-sync-engine/internal/telemetry"
)

// RouterConfig wires the control API's collaborators
type RouterConfig struct {
	Engine      SyncService
	Cache       CacheStore
	Stream      *StreamHandler
	APIKeys     []string
	Telemetry   *telemetry.ApiTelemetry
	ServiceName string
	Version     string
	Logger      *slog.Logger
}

// NewRouter builds the local control API. Everything except /health requires an API key.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stream == nil {
		cfg.Stream = NewStreamHandler(cfg.Engine, nil, cfg.Logger)
	}

	healthHandler := NewHealthHandler(cfg.Engine, cfg.ServiceName, cfg.Version)
	syncHandler := NewSyncHandler(cfg.Engine, cfg.Logger)
	cacheHandler := NewCacheHandler(cfg.Cache, cfg.Logger)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Telemetry != nil {
		r.Use(telemetry.NewTelemetryMiddleware(cfg.Telemetry, telemetry.ChiEndpoint).Middleware)
	}

	r.Get("/health", healthHandler.HealthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authmiddleware.APIKeyAuth(cfg.APIKeys))

		r.Get("/sync/status", syncHandler.GetStatus)
		r.Post("/sync/force", syncHandler.ForceSync)
		r.Get("/sync/pending", syncHandler.GetPending)
		r.Get("/sync/stats", syncHandler.GetStats)
		r.Delete("/sync/offline-data", syncHandler.ClearOfflineData)
		r.Get("/sync/failed", syncHandler.ListFailed)
		r.Post("/sync/failed/{id}/retry", syncHandler.RetryFailed)
		r.Delete("/sync/failed/{id}", syncHandler.DiscardFailed)
		r.Get("/sync/stream", cfg.Stream.Stream)

		r.Post("/mutations", syncHandler.Enqueue)

		r.Get("/cache/{entityType}/{key}", cacheHandler.GetEntity)
		r.Put("/cache/{entityType}/{key}", cacheHandler.PutEntity)
	})

	return r
}
