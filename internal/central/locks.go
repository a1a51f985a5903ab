package central

import (
	"log/slog"
	"sync"
	"time"
)

// RecordLockManager hands out one mutex per record key. Writes to different
// records proceed in parallel; writes to the same record are serialized so the
// idempotency check and the last-writer-wins compare happen atomically.
type RecordLockManager struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   sync.Mutex
	refs int
}

// NewRecordLockManager creates a new record lock manager
func NewRecordLockManager() *RecordLockManager {
	return &RecordLockManager{
		locks: make(map[string]*recordLock),
	}
}

// Lock acquires the lock for key and returns its release function.
// Entries are dropped once no caller holds or waits for them.
func (m *RecordLockManager) Lock(key string) func() {
	m.mu.Lock()
	lock, exists := m.locks[key]
	if !exists {
		lock = &recordLock{}
		m.locks[key] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.mu.Lock()

	return func() {
		lock.mu.Unlock()

		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// WithLock runs fn while holding the lock for key
func (m *RecordLockManager) WithLock(key string, fn func()) {
	start := time.Now()
	unlock := m.Lock(key)
	defer unlock()

	fn()

	slog.Debug("Record write completed", "record", key, "duration", time.Since(start).String())
}

// ActiveLocks returns the number of keys currently held or awaited
func (m *RecordLockManager) ActiveLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
