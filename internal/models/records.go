package models

import (
	"encoding/json"
	"time"
)

// RecordRequest is the body sent to the remote store for an upsert or delete
type RecordRequest struct {
	MutationID string          `json:"mutationId"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// RecordResponse is the remote store's view of a record after a write
type RecordResponse struct {
	EntityType  EntityType      `json:"entityType"`
	BusinessKey string          `json:"businessKey"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Version     int64           `json:"version"`
	MutationID  string          `json:"mutationId"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Deleted     bool            `json:"deleted,omitempty"`
	Replayed    bool            `json:"replayed,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Online    *bool     `json:"online,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EnqueueRequest is the body of POST /v1/mutations
type EnqueueRequest struct {
	EntityType EntityType      `json:"entityType"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// PendingCountResponse is returned by GET /v1/sync/pending
type PendingCountResponse struct {
	PendingCount int `json:"pendingCount"`
}

// FailedMutationsResponse is returned by GET /v1/sync/failed
type FailedMutationsResponse struct {
	Mutations []PendingMutation `json:"mutations"`
	Count     int               `json:"count"`
}

// CachedEntityResponse echoes a cached read entity after it is stored
type CachedEntityResponse struct {
	EntityType EntityType      `json:"entityType"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
}
