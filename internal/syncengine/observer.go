package syncengine

import (
	"context"
	"time"

	"pos-sync-engine/internal/models"
)

// Mutation outcomes reported to an Observer
const (
	OutcomeSynced   = "synced"
	OutcomeRetry    = "retry"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
)

// Observer receives engine events, typically to record metrics
type Observer interface {
	PassCompleted(ctx context.Context, result *models.SyncResult)
	MutationProcessed(ctx context.Context, entityType models.EntityType, outcome string, elapsed time.Duration)
	MutationEnqueued(ctx context.Context, entityType models.EntityType)
	ConnectivityChanged(ctx context.Context, online bool)
}

type nopObserver struct{}

func (nopObserver) PassCompleted(context.Context, *models.SyncResult) {}

func (nopObserver) MutationProcessed(context.Context, models.EntityType, string, time.Duration) {}

func (nopObserver) MutationEnqueued(context.Context, models.EntityType) {}

func (nopObserver) ConnectivityChanged(context.Context, bool) {}
