package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ApiTelemetry provides request metrics for an HTTP API
type ApiTelemetry struct {
	meter  metric.Meter
	prefix string

	requestCounter    metric.Int64Counter
	errorCounter      metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

// ApiMetrics contains the telemetry data for a request
type ApiMetrics struct {
	Method       string
	Endpoint     string
	StatusCode   int
	Duration     time.Duration
	ErrorMessage string
	// Raw IP is only logged; metrics use the normalized type
	ClientIP     string
	ClientIPType string
}

// NewApiTelemetry creates request instruments named "<prefix>_requests_total" and so on
func NewApiTelemetry(meter metric.Meter, prefix string) *ApiTelemetry {
	return &ApiTelemetry{meter: meter, prefix: prefix}
}

// InitializeTelemetry sets up the request instruments
func (t *ApiTelemetry) InitializeTelemetry() error {
	var err error

	t.requestCounter, err = t.meter.Int64Counter(
		t.prefix+"_requests_total",
		metric.WithDescription("Total number of API requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		slog.Error("Failed to create request counter", "error", err)
		return fmt.Errorf("failed to create request counter: %w", err)
	}

	t.errorCounter, err = t.meter.Int64Counter(
		t.prefix+"_errors_total",
		metric.WithDescription("Total number of API errors"),
		metric.WithUnit("1"),
	)
	if err != nil {
		slog.Error("Failed to create error counter", "error", err)
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	t.durationHistogram, err = t.meter.Float64Histogram(
		t.prefix+"_request_duration_seconds",
		metric.WithDescription("Duration of API requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		slog.Error("Failed to create duration histogram", "error", err)
		return fmt.Errorf("failed to create duration histogram: %w", err)
	}

	return nil
}

// RegisterRequest records a request, its duration, and an error when the status is 4xx/5xx
func (t *ApiTelemetry) RegisterRequest(ctx context.Context, m ApiMetrics) {
	if t.requestCounter == nil {
		return
	}

	// Low-cardinality attributes only
	attrs := []attribute.KeyValue{
		attribute.String("method", m.Method),
		attribute.String("endpoint", m.Endpoint),
		attribute.Int("status_code", m.StatusCode),
	}
	if m.ClientIPType != "" {
		attrs = append(attrs, attribute.String("client_ip_type", m.ClientIPType))
	}

	t.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.durationHistogram.Record(ctx, m.Duration.Seconds(), metric.WithAttributes(attrs...))

	if m.StatusCode >= 400 {
		errAttrs := append(attrs, attribute.String("error_type", categorizeError(m.ErrorMessage)))
		t.errorCounter.Add(ctx, 1, metric.WithAttributes(errAttrs...))
		slog.Debug("Recorded API request error",
			"method", m.Method,
			"endpoint", m.Endpoint,
			"status_code", m.StatusCode,
			"client_ip", m.ClientIP,
			"error", m.ErrorMessage)
	}
}

// categorizeError groups similar errors to keep cardinality low
func categorizeError(errorMessage string) string {
	msg := strings.ToLower(errorMessage)
	switch {
	case msg == "":
		return "unknown"
	case strings.Contains(msg, "not found"):
		return "not_found"
	case strings.Contains(msg, "unauthorized"):
		return "unauthorized"
	case strings.Contains(msg, "forbidden"):
		return "forbidden"
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "conflict"):
		return "conflict"
	case strings.Contains(msg, "storage"):
		return "storage_full"
	case strings.Contains(msg, "bad request"), strings.Contains(msg, "unprocessable"):
		return "bad_request"
	case strings.Contains(msg, "unavailable"):
		return "unavailable"
	case strings.Contains(msg, "internal"):
		return "internal_error"
	default:
		return "other"
	}
}

// NormalizeClientIP categorizes client IPs to control cardinality
func NormalizeClientIP(clientIP string) string {
	if clientIP == "" {
		return "unknown"
	}

	ip := net.ParseIP(clientIP)
	if ip == nil {
		return "invalid"
	}
	if ip.IsLoopback() {
		return "localhost"
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return "internal"
	}
	return "external"
}
