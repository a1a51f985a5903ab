package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pos-sync-engine/internal/handlers"
	"pos-sync-engine/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine and its local control API",
	Long: `Run the sync engine in the background and serve the local control API.

The till's point-of-sale front end records business operations through the
control API and watches sync status over a WebSocket:

  GET    /health                       Liveness and connectivity (no auth)
  GET    /v1/sync/status               Current sync status
  GET    /v1/sync/stream               Status updates over WebSocket
  POST   /v1/sync/force                Run a reconciliation pass now
  GET    /v1/sync/pending              Number of unsynced mutations
  GET    /v1/sync/stats                Local storage statistics
  DELETE /v1/sync/offline-data         Wipe local data (?confirm=true)
  GET    /v1/sync/failed               Mutations that failed permanently
  POST   /v1/sync/failed/{id}/retry    Queue a failed mutation again
  DELETE /v1/sync/failed/{id}          Drop a failed mutation
  POST   /v1/mutations                 Queue a create, update or delete
  GET    /v1/cache/{entityType}/{key}  Read a cached entity
  PUT    /v1/cache/{entityType}/{key}  Cache an entity for offline reads

Every /v1 route requires the X-API-Key header.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("port", "p", "", "Port to listen on (overrides PORT)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Port = port
	}

	slog.Info("Starting POS sync engine", "service", serviceName, "version", version)

	ctx := context.Background()

	otelTelemetry := telemetry.InitMetrics(ctx, serviceName, cfg.MetricsExporter, cfg.MetricsAddr)
	syncTelemetry := telemetry.NewSyncTelemetry(otelTelemetry.Meter(serviceName))

	a, err := newApp(ctx, cfg, syncTelemetry)
	if err != nil {
		otelTelemetry.Close(ctx)
		return err
	}

	if err := syncTelemetry.InitializeTelemetry(a.store.PendingCount); err != nil {
		slog.Warn("Sync telemetry unavailable", "error", err)
	}
	apiTelemetry := telemetry.NewApiTelemetry(otelTelemetry.Meter(serviceName), "possync_api")
	if err := apiTelemetry.InitializeTelemetry(); err != nil {
		slog.Warn("API telemetry unavailable", "error", err)
		apiTelemetry = nil
	}

	if err := a.start(ctx); err != nil {
		a.close()
		otelTelemetry.Close(ctx)
		return fmt.Errorf("failed to start sync engine: %w", err)
	}
	slog.Info("Sync engine started", "online", a.engine.IsOnline())

	stream := handlers.NewStreamHandler(a.engine, cfg.StreamOriginList(), slog.Default().With("component", "stream"))
	router := handlers.NewRouter(handlers.RouterConfig{
		Engine:      a.engine,
		Cache:       a.store,
		Stream:      stream,
		APIKeys:     cfg.APIKeyList(),
		Telemetry:   apiTelemetry,
		ServiceName: serviceName,
		Version:     version,
		Logger:      slog.Default().With("component", "api"),
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server ready to accept connections", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
		slog.Info("Shutting down server...")
	case err, ok := <-serverErr:
		if ok {
			slog.Error("Server failed to start", "error", err)
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop taking requests before the engine goes away. Hijacked WebSocket
	// connections are not tracked by the server and are closed separately.
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	stream.Close()

	a.shutdown(shutdownCtx)
	syncTelemetry.Close()

	otelTelemetry.Close(shutdownCtx)
	slog.Info("Telemetry shutdown completed")

	slog.Info("Server exited")
	return runErr
}
