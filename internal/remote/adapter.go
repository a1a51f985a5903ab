package remote

import (
	"context"
	"time"

	"pos-sync-engine/internal/models"
)

// Adapter applies queued mutations to the remote store. Implementations must be
// idempotent for create and update, since a mutation whose acknowledgement was lost
// is submitted again.
type Adapter interface {
	Apply(ctx context.Context, mutation models.PendingMutation) (*Ack, error)
}

// Prober reports whether the remote store is reachable
type Prober interface {
	Probe(ctx context.Context) error
}

// Ack is the remote acknowledgement of an applied mutation
type Ack struct {
	MutationID  string    `json:"mutationId"`
	EntityType  string    `json:"entityType"`
	BusinessKey string    `json:"businessKey"`
	Version     int64     `json:"version,omitempty"`
	Replayed    bool      `json:"replayed,omitempty"`
	AppliedAt   time.Time `json:"appliedAt"`
}
