package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pos-sync-engine/internal/models"
)

var (
	// ErrStorageFull is returned when the device persistence quota is exhausted
	ErrStorageFull = errors.New("local storage full")

	// ErrNotFound is returned when a mutation or cached entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrNotFailed is returned by Requeue and Discard for a mutation that has not failed permanently
	ErrNotFailed = errors.New("mutation has not failed permanently")
)

// MutationStore defines the durable local storage for pending mutations and cached entities.
// Every mark operation is durable before it returns.
type MutationStore interface {
	Append(ctx context.Context, mutation *models.PendingMutation) error
	Get(ctx context.Context, id string) (*models.PendingMutation, error)

	// ListPending returns pending and failed-permanent mutations in queue order
	ListPending(ctx context.Context) ([]models.PendingMutation, error)
	PendingCount(ctx context.Context) (int, error)

	// LastCreatedAt returns the newest CreatedAt ever queued, or the zero time
	LastCreatedAt(ctx context.Context) (time.Time, error)

	MarkInFlight(ctx context.Context, id string) error
	// MarkSynced keeps a compact record of the mutation and drops its payload
	MarkSynced(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	IncrementAttempt(ctx context.Context, id string, reason string, nextAttemptAt time.Time) (int, error)
	// Postpone puts a mutation back to pending without counting an attempt
	Postpone(ctx context.Context, id string, reason string, nextAttemptAt time.Time) error

	// RecoverInFlight resets mutations left in flight by a crash back to pending
	RecoverInFlight(ctx context.Context) (int, error)

	// PruneSynced deletes synced records acknowledged before the cutoff. The newest
	// mutation is always kept so LastCreatedAt survives.
	PruneSynced(ctx context.Context, before time.Time) (int, error)

	// Permanently failed mutations awaiting an operator decision
	ListFailed(ctx context.Context) ([]models.PendingMutation, error)
	Requeue(ctx context.Context, id string) error
	Discard(ctx context.Context, id string) error

	// Cached read entities, owned by the read-cache collaborator
	PutCached(ctx context.Context, entityType models.EntityType, key string, payload json.RawMessage) error
	GetCached(ctx context.Context, entityType models.EntityType, key string) (json.RawMessage, error)

	ClearAll(ctx context.Context) error
	Stats(ctx context.Context) (*StorageStats, error)
	Close() error
}

// EntityStats holds the per-entity counts of a StorageStats report
type EntityStats struct {
	Cached          int `json:"cached"`
	Pending         int `json:"pending"`
	InFlight        int `json:"inFlight"`
	FailedPermanent int `json:"failedPermanent"`
	Synced          int `json:"synced"`
}

// StorageStats provides information about the local storage
type StorageStats struct {
	Backend      string                             `json:"backend"`
	Entities     map[models.EntityType]*EntityStats `json:"entities"`
	TotalPending int                                `json:"totalPending"`
	TotalFailed  int                                `json:"totalFailed"`
	TotalCached  int                                `json:"totalCached"`
	StorageSize  int64                              `json:"storageSize"`
	QuotaBytes   int64                              `json:"quotaBytes"`
	ComputedAt   time.Time                          `json:"computedAt"`
}

func newStorageStats(backend string, quota int64) *StorageStats {
	return &StorageStats{
		Backend:    backend,
		Entities:   make(map[models.EntityType]*EntityStats),
		QuotaBytes: quota,
		ComputedAt: time.Now().UTC(),
	}
}

func (s *StorageStats) entity(entityType models.EntityType) *EntityStats {
	es, ok := s.Entities[entityType]
	if !ok {
		es = &EntityStats{}
		s.Entities[entityType] = es
	}
	return es
}

func (s *StorageStats) addMutation(entityType models.EntityType, status models.MutationStatus, n int) {
	es := s.entity(entityType)
	switch status {
	case models.MutationStatusPending:
		es.Pending += n
		s.TotalPending += n
	case models.MutationStatusInFlight:
		es.InFlight += n
	case models.MutationStatusFailedPermanent:
		es.FailedPermanent += n
		s.TotalFailed += n
	case models.MutationStatusSynced:
		es.Synced += n
	}
}

func (s *StorageStats) addCached(entityType models.EntityType, n int) {
	s.entity(entityType).Cached += n
	s.TotalCached += n
}
