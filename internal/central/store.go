package central

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"pos-sync-engine/internal/models"
)

var (
	// ErrRecordNotFound is returned for a record that was never written or is deleted
	ErrRecordNotFound = errors.New("record not found")

	// ErrStaleWrite is returned when a newer write already reached the record
	ErrStaleWrite = errors.New("stale write")
)

type record struct {
	payload    json.RawMessage
	mutationID string
	version    int64
	updatedAt  time.Time
	deleted    bool
}

// RecordStore keeps the authoritative copy of every record in memory and
// resolves concurrent writers by their authoring timestamp (last writer wins).
// Callers serialize writes per key through RecordLockManager.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewRecordStore creates an empty record store
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string]*record)}
}

func recordKey(entityType models.EntityType, key string) string {
	return string(entityType) + "/" + key
}

// Upsert applies a create or update authored at ts. A write authored before the
// record's current timestamp fails with ErrStaleWrite; an equal timestamp wins.
func (s *RecordStore) Upsert(entityType models.EntityType, key, mutationID string, payload json.RawMessage, ts time.Time) (models.RecordResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := recordKey(entityType, key)
	current, exists := s.records[id]
	if exists && ts.Before(current.updatedAt) {
		return models.RecordResponse{}, ErrStaleWrite
	}

	next := &record{
		payload:    append(json.RawMessage(nil), payload...),
		mutationID: mutationID,
		version:    1,
		updatedAt:  ts,
	}
	if exists {
		next.version = current.version + 1
	}
	s.records[id] = next

	return next.response(entityType, key), nil
}

// Delete tombstones the record. Deleting a missing or already deleted record
// returns ErrRecordNotFound.
func (s *RecordStore) Delete(entityType models.EntityType, key, mutationID string, ts time.Time) (models.RecordResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := recordKey(entityType, key)
	current, exists := s.records[id]
	if !exists || current.deleted {
		return models.RecordResponse{}, ErrRecordNotFound
	}
	if ts.Before(current.updatedAt) {
		return models.RecordResponse{}, ErrStaleWrite
	}

	s.records[id] = &record{
		mutationID: mutationID,
		version:    current.version + 1,
		updatedAt:  ts,
		deleted:    true,
	}
	return s.records[id].response(entityType, key), nil
}

// Get returns the live record
func (s *RecordStore) Get(entityType models.EntityType, key string) (models.RecordResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current, exists := s.records[recordKey(entityType, key)]
	if !exists || current.deleted {
		return models.RecordResponse{}, ErrRecordNotFound
	}
	return current.response(entityType, key), nil
}

// LastMutation returns the id of the mutation that produced the record's current state
func (s *RecordStore) LastMutation(entityType models.EntityType, key string) (models.RecordResponse, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	current, exists := s.records[recordKey(entityType, key)]
	if !exists {
		return models.RecordResponse{}, false
	}
	return current.response(entityType, key), true
}

// Count returns the number of live records
func (s *RecordStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records {
		if !r.deleted {
			n++
		}
	}
	return n
}

func (r *record) response(entityType models.EntityType, key string) models.RecordResponse {
	return models.RecordResponse{
		EntityType:  entityType,
		BusinessKey: key,
		Payload:     append(json.RawMessage(nil), r.payload...),
		Version:     r.version,
		MutationID:  r.mutationID,
		UpdatedAt:   r.updatedAt,
		Deleted:     r.deleted,
	}
}
