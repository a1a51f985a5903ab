package central

import (
	"log/slog"
	"sync"
	"time"

	"pos-sync-engine/internal/models"
)

// storedResponse is the first response given for an Idempotency-Key
type storedResponse struct {
	StatusCode int
	Record     models.RecordResponse
	ExpiresAt  time.Time
}

// IdempotencyCache remembers write responses by Idempotency-Key for a TTL, so a
// till that lost an acknowledgement and resends gets the original answer back
type IdempotencyCache struct {
	mu      sync.RWMutex
	items   map[string]*storedResponse
	ttl     time.Duration
	now     func() time.Time
	stop    chan struct{}
	stopped sync.Once
	done    chan struct{}
}

// NewIdempotencyCache creates a cache with the given TTL and starts its cleanup loop
func NewIdempotencyCache(ttl, cleanupInterval time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	c := &IdempotencyCache{
		items: make(map[string]*storedResponse),
		ttl:   ttl,
		now:   time.Now,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.cleanupLoop(cleanupInterval)

	slog.Info("Idempotency cache initialized",
		"ttl", ttl.String(),
		"cleanup_interval", cleanupInterval.String())
	return c
}

// Set stores the response for key
func (c *IdempotencyCache) Set(key string, statusCode int, record models.RecordResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	c.items[key] = &storedResponse{StatusCode: statusCode, Record: record, ExpiresAt: expiresAt}

	slog.Debug("Idempotency entry set", "key", key, "expires_at", expiresAt.Format(time.RFC3339))
}

// Get returns the stored response for key if it has not expired
func (c *IdempotencyCache) Get(key string) (storedResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.items[key]
	if !exists || c.now().After(entry.ExpiresAt) {
		return storedResponse{}, false
	}
	return *entry, true
}

// Size returns the number of entries, including expired ones not yet swept
func (c *IdempotencyCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stop ends the cleanup loop
func (c *IdempotencyCache) Stop() {
	c.stopped.Do(func() {
		close(c.stop)
		<-c.done
		slog.Info("Idempotency cache stopped")
	})
}

func (c *IdempotencyCache) cleanupLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.performCleanup()
		case <-c.stop:
			return
		}
	}
}

// performCleanup removes expired entries
func (c *IdempotencyCache) performCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.items {
		if now.After(entry.ExpiresAt) {
			delete(c.items, key)
			removed++
		}
	}

	if removed > 0 {
		slog.Debug("Idempotency cache cleanup completed",
			"expired_entries", removed,
			"remaining_entries", len(c.items))
	}
}
