package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pos-sync-engine/internal/models"
)

// MemoryStore implements MutationStore in memory with atomic JSON file persistence.
// Every change rewrites the snapshot (temp file, fsync, rename) before returning, so it
// suits small queues on devices without SQLite and tests. An empty path keeps it in memory only.
// The quota is checked only by writes that add data; marks and deletes always go through.
type MemoryStore struct {
	mu         sync.RWMutex
	mutations  map[string]*models.PendingMutation
	cached     map[string]cachedEntity
	nextSeq    int64
	filePath   string
	quotaBytes int64
	lastSize   int64
	logger     *slog.Logger
}

type cachedEntity struct {
	EntityType models.EntityType `json:"entityType"`
	Key        string            `json:"key"`
	Payload    json.RawMessage   `json:"payload"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// snapshot is the on-disk layout of a MemoryStore
type snapshot struct {
	NextSeq   int64                     `json:"nextSeq"`
	Mutations []*models.PendingMutation `json:"mutations"`
	Cached    []cachedEntity            `json:"cached"`
}

// MemoryStoreConfig holds configuration for the memory store
type MemoryStoreConfig struct {
	FilePath   string
	QuotaBytes int64
	Logger     *slog.Logger
}

// NewMemoryStore creates a memory store and loads an existing snapshot if present
func NewMemoryStore(config MemoryStoreConfig) (*MemoryStore, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ms := &MemoryStore{
		mutations:  make(map[string]*models.PendingMutation),
		cached:     make(map[string]cachedEntity),
		nextSeq:    1,
		filePath:   config.FilePath,
		quotaBytes: config.QuotaBytes,
		logger:     config.Logger,
	}

	if ms.filePath != "" {
		if err := os.MkdirAll(filepath.Dir(ms.filePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		if err := ms.loadFromFile(); err != nil {
			return nil, err
		}
	}

	ms.logger.Info("Memory mutation store initialized",
		"file_path", ms.filePath,
		"loaded_mutations", len(ms.mutations),
		"loaded_cached", len(ms.cached))

	return ms, nil
}

// Close flushes the snapshot one last time
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.saveToFile(false)
}

// Append inserts a new pending mutation
func (ms *MemoryStore) Append(ctx context.Context, m *models.PendingMutation) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if _, exists := ms.mutations[m.ID]; exists {
		return fmt.Errorf("mutation %s already exists", m.ID)
	}

	m.Status = models.MutationStatusPending
	m.Sequence = ms.nextSeq
	m.UpdatedAt = time.Now().UTC()

	stored := cloneMutation(m)
	ms.mutations[m.ID] = stored
	ms.nextSeq++

	if err := ms.saveToFile(true); err != nil {
		delete(ms.mutations, m.ID)
		ms.nextSeq--
		return fmt.Errorf("failed to append mutation %s: %w", m.ID, err)
	}
	return nil
}

// Get returns a copy of a single mutation
func (ms *MemoryStore) Get(ctx context.Context, id string) (*models.PendingMutation, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	m, exists := ms.mutations[id]
	if !exists {
		return nil, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	return cloneMutation(m), nil
}

// ListPending returns pending and failed-permanent mutations in queue order
func (ms *MemoryStore) ListPending(ctx context.Context) ([]models.PendingMutation, error) {
	return ms.listByStatus(models.MutationStatusPending, models.MutationStatusFailedPermanent), nil
}

// ListFailed returns permanently failed mutations in queue order
func (ms *MemoryStore) ListFailed(ctx context.Context) ([]models.PendingMutation, error) {
	return ms.listByStatus(models.MutationStatusFailedPermanent), nil
}

func (ms *MemoryStore) listByStatus(statuses ...models.MutationStatus) []models.PendingMutation {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	result := make([]models.PendingMutation, 0, len(ms.mutations))
	for _, m := range ms.mutations {
		for _, status := range statuses {
			if m.Status == status {
				result = append(result, *cloneMutation(m))
				break
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Before(result[j])
	})
	return result
}

// PendingCount returns the number of mutations still waiting to sync
func (ms *MemoryStore) PendingCount(ctx context.Context) (int, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	count := 0
	for _, m := range ms.mutations {
		if m.Status == models.MutationStatusPending {
			count++
		}
	}
	return count, nil
}

// LastCreatedAt returns the newest CreatedAt ever queued, or the zero time
func (ms *MemoryStore) LastCreatedAt(ctx context.Context) (time.Time, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var last time.Time
	for _, m := range ms.mutations {
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	return last, nil
}

// MarkInFlight records that a mutation has been dispatched to the remote store
func (ms *MemoryStore) MarkInFlight(ctx context.Context, id string) error {
	return ms.transition(id, func(m *models.PendingMutation) {
		m.Status = models.MutationStatusInFlight
	})
}

// MarkSynced records that the remote store acknowledged the mutation and drops its payload
func (ms *MemoryStore) MarkSynced(ctx context.Context, id string) error {
	return ms.transition(id, func(m *models.PendingMutation) {
		now := time.Now().UTC()
		m.Status = models.MutationStatusSynced
		m.Payload = nil
		m.LastError = ""
		m.SyncedAt = &now
	})
}

// MarkFailed records a permanent failure that needs operator attention
func (ms *MemoryStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return ms.transition(id, func(m *models.PendingMutation) {
		m.Status = models.MutationStatusFailedPermanent
		m.LastError = reason
	})
}

// IncrementAttempt records a retryable failure and returns the new attempt count
func (ms *MemoryStore) IncrementAttempt(ctx context.Context, id string, reason string, nextAttemptAt time.Time) (int, error) {
	var attempts int
	err := ms.transition(id, func(m *models.PendingMutation) {
		m.AttemptCount++
		m.LastError = reason
		m.Status = models.MutationStatusPending
		m.NextAttemptAt = nextAttemptAt
		attempts = m.AttemptCount
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

// Postpone puts a mutation back to pending without counting an attempt
func (ms *MemoryStore) Postpone(ctx context.Context, id string, reason string, nextAttemptAt time.Time) error {
	return ms.transition(id, func(m *models.PendingMutation) {
		m.LastError = reason
		m.Status = models.MutationStatusPending
		m.NextAttemptAt = nextAttemptAt
	})
}

// RecoverInFlight resets mutations interrupted mid-dispatch so they are retried
func (ms *MemoryStore) RecoverInFlight(ctx context.Context) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var recovered []*models.PendingMutation
	for _, m := range ms.mutations {
		if m.Status == models.MutationStatusInFlight {
			m.Status = models.MutationStatusPending
			recovered = append(recovered, m)
		}
	}
	if len(recovered) == 0 {
		return 0, nil
	}

	if err := ms.saveToFile(false); err != nil {
		for _, m := range recovered {
			m.Status = models.MutationStatusInFlight
		}
		return 0, fmt.Errorf("failed to recover in-flight mutations: %w", err)
	}
	return len(recovered), nil
}

// PruneSynced deletes synced records acknowledged before the cutoff, keeping the newest mutation
func (ms *MemoryStore) PruneSynced(ctx context.Context, before time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var newest int64
	for _, m := range ms.mutations {
		if m.Sequence > newest {
			newest = m.Sequence
		}
	}

	pruned := make(map[string]*models.PendingMutation)
	for id, m := range ms.mutations {
		if m.Status == models.MutationStatusSynced && m.SyncedAt != nil &&
			m.SyncedAt.Before(before) && m.Sequence < newest {
			pruned[id] = m
			delete(ms.mutations, id)
		}
	}
	if len(pruned) == 0 {
		return 0, nil
	}

	if err := ms.saveToFile(false); err != nil {
		for id, m := range pruned {
			ms.mutations[id] = m
		}
		return 0, fmt.Errorf("failed to prune synced mutations: %w", err)
	}
	return len(pruned), nil
}

// Requeue gives a permanently failed mutation a fresh set of attempts
func (ms *MemoryStore) Requeue(ctx context.Context, id string) error {
	return ms.transitionFailed(id, func(m *models.PendingMutation) {
		m.Status = models.MutationStatusPending
		m.AttemptCount = 0
		m.LastError = ""
		m.NextAttemptAt = time.Time{}
	})
}

// Discard deletes a permanently failed mutation
func (ms *MemoryStore) Discard(ctx context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	m, exists := ms.mutations[id]
	if !exists {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	if m.Status != models.MutationStatusFailedPermanent {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFailed)
	}

	delete(ms.mutations, id)
	if err := ms.saveToFile(false); err != nil {
		ms.mutations[id] = m
		return fmt.Errorf("failed to discard mutation %s: %w", id, err)
	}
	return nil
}

// PutCached stores or replaces a cached read entity
func (ms *MemoryStore) PutCached(ctx context.Context, entityType models.EntityType, key string, payload json.RawMessage) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	id := cacheID(entityType, key)
	previous, existed := ms.cached[id]
	ms.cached[id] = cachedEntity{
		EntityType: entityType,
		Key:        key,
		Payload:    append(json.RawMessage(nil), payload...),
		UpdatedAt:  time.Now().UTC(),
	}

	if err := ms.saveToFile(true); err != nil {
		if existed {
			ms.cached[id] = previous
		} else {
			delete(ms.cached, id)
		}
		return fmt.Errorf("failed to cache %s: %w", id, err)
	}
	return nil
}

// GetCached returns a cached read entity
func (ms *MemoryStore) GetCached(ctx context.Context, entityType models.EntityType, key string) (json.RawMessage, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	entity, exists := ms.cached[cacheID(entityType, key)]
	if !exists {
		return nil, fmt.Errorf("cached %s/%s: %w", entityType, key, ErrNotFound)
	}
	return append(json.RawMessage(nil), entity.Payload...), nil
}

// ClearAll wipes every mutation and cached entity
func (ms *MemoryStore) ClearAll(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	mutations, cached := ms.mutations, ms.cached
	ms.mutations = make(map[string]*models.PendingMutation)
	ms.cached = make(map[string]cachedEntity)

	if err := ms.saveToFile(false); err != nil {
		ms.mutations, ms.cached = mutations, cached
		return fmt.Errorf("failed to clear local data: %w", err)
	}

	ms.logger.Warn("Local offline data cleared", "file_path", ms.filePath)
	return nil
}

// Stats computes per-entity counts by scanning the current contents
func (ms *MemoryStore) Stats(ctx context.Context) (*StorageStats, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	stats := newStorageStats("memory", ms.quotaBytes)
	for _, m := range ms.mutations {
		stats.addMutation(m.EntityType, m.Status, 1)
	}
	for _, c := range ms.cached {
		stats.addCached(c.EntityType, 1)
	}
	stats.StorageSize = ms.lastSize

	return stats, nil
}

// transition applies fn to a mutation and persists it, restoring the old value on failure
func (ms *MemoryStore) transition(id string, fn func(m *models.PendingMutation)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	m, exists := ms.mutations[id]
	if !exists {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	return ms.apply(id, m, fn)
}

// transitionFailed is transition restricted to permanently failed mutations
func (ms *MemoryStore) transitionFailed(id string, fn func(m *models.PendingMutation)) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	m, exists := ms.mutations[id]
	if !exists {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	if m.Status != models.MutationStatusFailedPermanent {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFailed)
	}
	return ms.apply(id, m, fn)
}

// apply mutates m in place and persists it. Callers hold ms.mu.
func (ms *MemoryStore) apply(id string, m *models.PendingMutation, fn func(m *models.PendingMutation)) error {
	previous := *m
	fn(m)
	m.UpdatedAt = time.Now().UTC()

	if err := ms.saveToFile(false); err != nil {
		*m = previous
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	return nil
}

// loadFromFile loads the snapshot written by a previous process
func (ms *MemoryStore) loadFromFile() error {
	data, err := os.ReadFile(ms.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read storage file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal storage file: %w", err)
	}

	for _, m := range snap.Mutations {
		if string(m.Payload) == "null" {
			m.Payload = nil
		}
		ms.mutations[m.ID] = m
		if m.Sequence >= ms.nextSeq {
			ms.nextSeq = m.Sequence + 1
		}
	}
	if snap.NextSeq > ms.nextSeq {
		ms.nextSeq = snap.NextSeq
	}
	for _, c := range snap.Cached {
		ms.cached[cacheID(c.EntityType, c.Key)] = c
	}
	ms.lastSize = int64(len(data))

	return nil
}

// saveToFile writes the snapshot atomically. Callers hold ms.mu. When grow is set the
// write adds data and is refused if the snapshot would not fit the quota.
func (ms *MemoryStore) saveToFile(grow bool) error {
	snap := snapshot{
		NextSeq:   ms.nextSeq,
		Mutations: make([]*models.PendingMutation, 0, len(ms.mutations)),
		Cached:    make([]cachedEntity, 0, len(ms.cached)),
	}
	for _, m := range ms.mutations {
		snap.Mutations = append(snap.Mutations, m)
	}
	sort.Slice(snap.Mutations, func(i, j int) bool {
		return snap.Mutations[i].Sequence < snap.Mutations[j].Sequence
	})
	for _, c := range ms.cached {
		snap.Cached = append(snap.Cached, c)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal storage snapshot: %w", err)
	}

	if grow && ms.quotaBytes > 0 && int64(len(data)) > ms.quotaBytes {
		return fmt.Errorf("%w: snapshot of %d bytes exceeds quota of %d bytes",
			ErrStorageFull, len(data), ms.quotaBytes)
	}

	if ms.filePath == "" {
		ms.lastSize = int64(len(data))
		return nil
	}

	// Write to temporary file first, then rename (atomic operation)
	tempFile := ms.filePath + ".tmp"
	if err := writeFileSync(tempFile, data); err != nil {
		return fmt.Errorf("failed to write temp storage file: %w", err)
	}
	if err := os.Rename(tempFile, ms.filePath); err != nil {
		return fmt.Errorf("failed to rename temp storage file: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(ms.filePath)); err == nil {
		_ = dir.Sync()
		dir.Close()
	}

	ms.lastSize = int64(len(data))
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func cloneMutation(m *models.PendingMutation) *models.PendingMutation {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	if m.SyncedAt != nil {
		t := *m.SyncedAt
		c.SyncedAt = &t
	}
	return &c
}

func cacheID(entityType models.EntityType, key string) string {
	return string(entityType) + "/" + key
}
