package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	api "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
)

// Exporter kinds accepted by METRICS_EXPORTER
const (
	ExporterScraper = "scraper"
	ExporterGRPC    = "grpc"
	ExporterNone    = "none"
)

// DefaultMetricsAddr is where the scraper exporter serves /metrics
const DefaultMetricsAddr = ":9080"

// Telemetry owns the meter provider and, for the scraper exporter, the metrics HTTP server
type Telemetry struct {
	server   *http.Server          // If type of metrics collection == "scraper".
	Provider *metric.MeterProvider // Nil when metrics are disabled.
	meter    api.Meter
	exporter string
	addr     string
}

var (
	once     sync.Once
	instance *Telemetry
)

// InitMetrics sets up the global meter provider once per process.
// Unknown exporter values fall back to "none" so a typo never blocks startup.
func InitMetrics(ctx context.Context, meterName, exporter, addr string) *Telemetry {
	once.Do(func() {
		if addr == "" {
			addr = DefaultMetricsAddr
		}
		t := &Telemetry{exporter: exporter, addr: addr}

		switch exporter {
		case ExporterScraper:
			slog.Info("Starting metrics with scraper exporter")
			t.initScrapeMetrics(meterName)
		case ExporterGRPC:
			slog.Info("Starting metrics with grpc exporter")
			t.initGRPCMetrics(ctx, meterName) // Sends data to localhost:4317 or whatever OTEL_EXPORTER_OTLP_METRICS_ENDPOINT is set to.
		default:
			slog.Info("Metrics export disabled", "exporter", exporter)
			t.exporter = ExporterNone
		}
		instance = t
	})
	return instance
}

// Meter returns the configured meter, or the global no-op meter when export is disabled
func (t *Telemetry) Meter(name string) api.Meter {
	if t != nil && t.meter != nil {
		return t.meter
	}
	return otel.Meter(name)
}

// Close flushes pending metrics and stops the scraper server
func (t *Telemetry) Close(ctx context.Context) {
	if t == nil {
		return
	}
	if t.server != nil {
		_ = t.server.Shutdown(ctx)
		slog.Info("Shutting down metrics server")
	}
	if t.Provider != nil {
		if err := t.Provider.ForceFlush(ctx); err != nil {
			slog.Warn("Failed to flush metrics", "error", err)
		}
		if err := t.Provider.Shutdown(ctx); err != nil {
			slog.Warn("Failed to shut down meter provider", "error", err)
		}
	}
}

// Initialize GRPC metrics exporter. https://opentelemetry.io/docs/languages/go/exporters/#otlp-metrics-over-grpc.
func (t *Telemetry) initGRPCMetrics(ctx context.Context, meterName string) {
	exporter, err := otlpmetricgrpc.New(ctx)
	if err != nil {
		slog.Error("Creating GRPC exporter", "error", err)
		return
	}

	t.Provider = metric.NewMeterProvider(metric.WithReader(metric.NewPeriodicReader(exporter,
		metric.WithInterval(30*time.Second))))
	otel.SetMeterProvider(t.Provider)
	t.meter = t.Provider.Meter(meterName)
}

// Initialize scrape metrics exporter. https://github.com/open-telemetry/opentelemetry-go/blob/main/example/prometheus/main.go.
func (t *Telemetry) initScrapeMetrics(meterName string) {
	// The exporter is both an OpenTelemetry reader and a prometheus.Collector
	exporter, err := prometheus.New()
	if err != nil {
		slog.Error("Creating HTML scrape exporter", "error", err)
		return
	}

	t.Provider = metric.NewMeterProvider(metric.WithReader(exporter))
	otel.SetMeterProvider(t.Provider)
	t.meter = t.Provider.Meter(meterName)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go t.serveMetrics()
}

// Run metrics server for "scraper" open telemetry collector
func (t *Telemetry) serveMetrics() {
	slog.Info("Serving metrics", "addr", t.addr, "path", "/metrics")

	if err := t.server.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("Metrics server closed")
		} else {
			slog.Error("ListenAndServe exited with", "error", err)
		}
	}
}
