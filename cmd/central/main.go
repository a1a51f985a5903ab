package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pos-sync-engine/internal/central"
	"pos-sync-engine/internal/config"
	"pos-sync-engine/internal/middleware"
	"pos-sync-engine/internal/telemetry"
)

const (
	serviceName = "central-records"
	version     = "1.0.0"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg := config.LoadConfig()
	defer cfg.Close()

	slog.Info("Starting central records API", "service", serviceName, "version", version)

	ctx := context.Background()
	otelTelemetry := telemetry.InitMetrics(ctx, serviceName, cfg.MetricsExporter, cfg.MetricsAddr)

	apiTelemetry := telemetry.NewApiTelemetry(otelTelemetry.Meter(serviceName), "central_api")
	if err := apiTelemetry.InitializeTelemetry(); err != nil {
		slog.Error("Failed to initialize API telemetry", "error", err)
		return
	}

	srv := central.NewServer(central.ServerConfig{
		IdempotencyTTL:     config.ParseDuration(cfg.IdempotencyCacheTTL, 10*time.Minute),
		IdempotencyCleanup: config.ParseDuration(cfg.IdempotencyCacheCleanupInterval, time.Minute),
		Version:            version,
		Logger:             slog.Default().With("component", "central"),
	})

	// Setup rate limiting middleware
	rateLimitConfig := middleware.ParseRateLimitConfig(cfg)
	var rateLimiter *middleware.RateLimiter
	if rateLimitConfig.Enabled {
		rateLimiter = middleware.NewRateLimiter(rateLimitConfig)
		slog.Info("Rate limiting middleware enabled",
			"requests", rateLimitConfig.RequestsPerWindow,
			"window", rateLimitConfig.Window)
	} else {
		slog.Info("Rate limiting middleware disabled")
	}

	router := srv.Router(central.RouterConfig{
		APIKeys:     cfg.APIKeyList(),
		RateLimiter: rateLimiter,
		Telemetry:   apiTelemetry,
	})

	slog.Debug("Available endpoints",
		"v1_endpoints", []string{
			"PUT /v1/records/{entityType}/{key}",
			"DELETE /v1/records/{entityType}/{key}",
			"GET /v1/records/{entityType}/{key}",
			"GET /v1/health",
		},
		"system_endpoints", []string{
			"GET /health",
		})

	server := &http.Server{
		Addr:              ":" + cfg.CentralPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Server ready to accept connections", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	if rateLimiter != nil {
		rateLimiter.Stop()
	}
	srv.Close()

	otelTelemetry.Close(shutdownCtx)
	slog.Info("Telemetry shutdown completed")

	slog.Info("Server exited")
}
