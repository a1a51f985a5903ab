package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pos-sync-engine/internal/models"
)

// PendingCounter reports the current queue depth for the pending gauge
type PendingCounter func(ctx context.Context) (int, error)

// SyncTelemetry records sync engine activity. It satisfies the engine's Observer.
type SyncTelemetry struct {
	meter metric.Meter

	passCounter       metric.Int64Counter
	passDuration      metric.Float64Histogram
	mutationCounter   metric.Int64Counter
	mutationDuration  metric.Float64Histogram
	enqueueCounter    metric.Int64Counter
	transitionCounter metric.Int64Counter
	pendingGauge      metric.Int64ObservableGauge

	mu           sync.Mutex
	registration metric.Registration
}

// NewSyncTelemetry creates sync instruments on meter
func NewSyncTelemetry(meter metric.Meter) *SyncTelemetry {
	return &SyncTelemetry{meter: meter}
}

// InitializeTelemetry creates the instruments. pending, when set, backs the queue depth gauge.
func (t *SyncTelemetry) InitializeTelemetry(pending PendingCounter) error {
	slog.Info("Initializing sync telemetry")

	var err error

	t.passCounter, err = t.meter.Int64Counter(
		"sync_passes_total",
		metric.WithDescription("Total number of reconciliation passes"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pass counter: %w", err)
	}

	t.passDuration, err = t.meter.Float64Histogram(
		"sync_pass_duration_seconds",
		metric.WithDescription("Duration of reconciliation passes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pass duration histogram: %w", err)
	}

	t.mutationCounter, err = t.meter.Int64Counter(
		"sync_mutations_total",
		metric.WithDescription("Mutations processed by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create mutation counter: %w", err)
	}

	t.mutationDuration, err = t.meter.Float64Histogram(
		"sync_mutation_apply_duration_seconds",
		metric.WithDescription("Time spent applying a single mutation remotely"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create mutation duration histogram: %w", err)
	}

	t.enqueueCounter, err = t.meter.Int64Counter(
		"sync_enqueued_total",
		metric.WithDescription("Mutations accepted into the local queue"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create enqueue counter: %w", err)
	}

	t.transitionCounter, err = t.meter.Int64Counter(
		"sync_connectivity_transitions_total",
		metric.WithDescription("Connectivity edges seen by the engine"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create connectivity counter: %w", err)
	}

	t.pendingGauge, err = t.meter.Int64ObservableGauge(
		"sync_pending_mutations",
		metric.WithDescription("Mutations waiting to be synced"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pending gauge: %w", err)
	}

	if pending != nil {
		registration, err := t.meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			count, err := pending(ctx)
			if err != nil {
				return err
			}
			o.ObserveInt64(t.pendingGauge, int64(count))
			return nil
		}, t.pendingGauge)
		if err != nil {
			return fmt.Errorf("failed to register pending gauge callback: %w", err)
		}
		t.mu.Lock()
		t.registration = registration
		t.mu.Unlock()
	}

	slog.Info("Sync telemetry initialized successfully")
	return nil
}

// Close unregisters the gauge callback
func (t *SyncTelemetry) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.registration != nil {
		_ = t.registration.Unregister()
		t.registration = nil
	}
}

// PassCompleted records a finished pass
func (t *SyncTelemetry) PassCompleted(ctx context.Context, result *models.SyncResult) {
	if t.passCounter == nil {
		return
	}
	outcome := "success"
	if result.Errors > 0 {
		outcome = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", string(result.Trigger)),
		attribute.String("outcome", outcome),
	)
	t.passCounter.Add(ctx, 1, attrs)
	t.passDuration.Record(ctx, result.Duration.Seconds(), attrs)
}

// MutationProcessed records the outcome of one mutation
func (t *SyncTelemetry) MutationProcessed(ctx context.Context, entityType models.EntityType, outcome string, elapsed time.Duration) {
	if t.mutationCounter == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("outcome", outcome),
	)
	t.mutationCounter.Add(ctx, 1, attrs)
	if elapsed > 0 {
		t.mutationDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// MutationEnqueued records a mutation accepted into the queue
func (t *SyncTelemetry) MutationEnqueued(ctx context.Context, entityType models.EntityType) {
	if t.enqueueCounter == nil {
		return
	}
	t.enqueueCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", string(entityType))))
}

// ConnectivityChanged records a connectivity edge
func (t *SyncTelemetry) ConnectivityChanged(ctx context.Context, online bool) {
	if t.transitionCounter == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	t.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
