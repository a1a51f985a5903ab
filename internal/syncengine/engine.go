package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"pos-sync-engine/internal/connectivity"
	"pos-sync-engine/internal/models"
	"pos-sync-engine/internal/remote"
	"pos-sync-engine/internal/status"
	"pos-sync-engine/internal/storage"
)

// passKey is the singleflight key shared by every reconciliation pass
const passKey = "reconcile"

// ConnectivitySource reports whether the remote store is reachable
type ConnectivitySource interface {
	IsOnline() bool
	Subscribe(callback connectivity.Callback) func()
}

// Dependencies are the collaborators an Engine drives
type Dependencies struct {
	Store        storage.MutationStore
	Adapter      remote.Adapter
	Connectivity ConnectivitySource
	Observer     Observer
	Logger       *slog.Logger
}

// Engine queues mutations locally and reconciles them with the remote store
type Engine struct {
	store     storage.MutationStore
	adapter   remote.Adapter
	conn      ConnectivitySource
	observer  Observer
	publisher *status.Publisher
	config    Config
	logger    *slog.Logger
	now       func() time.Time

	group   singleflight.Group
	passSem chan struct{}
	passWG  sync.WaitGroup

	// enqueueMu serializes stamping and appending so queue order matches CreatedAt
	enqueueMu     sync.Mutex
	lastCreatedAt time.Time
	clockLoaded   bool

	mu          sync.Mutex
	online      bool
	running     bool
	started     bool
	stopped     bool
	lastResult  *models.SyncResult
	unsubscribe func()

	triggerChan chan models.SyncTrigger
	stopChan    chan struct{}
	wg          sync.WaitGroup
}

// New creates an engine. It does nothing until Start is called.
func New(config Config, deps Dependencies) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("sync engine requires a mutation store")
	}
	if deps.Adapter == nil {
		return nil, errors.New("sync engine requires a remote adapter")
	}
	if deps.Connectivity == nil {
		return nil, errors.New("sync engine requires a connectivity source")
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Engine{
		store:       deps.Store,
		adapter:     deps.Adapter,
		conn:        deps.Connectivity,
		observer:    deps.Observer,
		publisher:   status.NewPublisher(models.SyncStatus{Type: models.SyncStatusOffline}, deps.Logger),
		config:      config.withDefaults(),
		logger:      deps.Logger,
		now:         time.Now,
		passSem:     make(chan struct{}, 1),
		triggerChan: make(chan models.SyncTrigger, 1),
		stopChan:    make(chan struct{}),
	}, nil
}

// Start recovers mutations interrupted by a crash, publishes the initial status
// and starts the periodic scheduler
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.logger.Info("Starting sync engine",
		"interval", e.config.Interval,
		"workers", e.config.WorkerCount,
		"max_attempts", e.config.MaxAttempts)

	recovered, err := e.store.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover in-flight mutations: %w", err)
	}
	if recovered > 0 {
		e.logger.Warn("Recovered mutations interrupted mid-sync", "count", recovered)
	}

	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count pending mutations: %w", err)
	}

	unsubscribe := e.conn.Subscribe(e.handleConnectivity)
	online := e.conn.IsOnline()

	e.mu.Lock()
	e.online = online
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	initial := models.SyncStatus{
		Type:         models.SyncStatusIdle,
		Online:       online,
		PendingCount: pending,
		Message:      "Sync engine started",
	}
	if !online {
		initial.Type = models.SyncStatusOffline
		initial.Message = "Remote store unreachable, working offline"
	}
	e.publisher.Publish(initial)

	e.wg.Add(1)
	go e.scheduler()

	if online && pending > 0 {
		e.trigger(models.TriggerStartup)
	}

	e.logger.Info("Sync engine started", "online", online, "pending", pending)
	return nil
}

// Shutdown stops scheduling new passes and waits for the running one, bounded by ctx
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	unsubscribe := e.unsubscribe
	e.mu.Unlock()

	e.logger.Info("Stopping sync engine")

	if unsubscribe != nil {
		unsubscribe()
	}
	close(e.stopChan)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.passWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.publisher.Close()
		return fmt.Errorf("sync pass still running at shutdown: %w", ctx.Err())
	}

	e.publisher.Close()
	e.logger.Info("Sync engine stopped")
	return nil
}

// Enqueue validates and durably queues a mutation. It never waits on the network.
func (e *Engine) Enqueue(ctx context.Context, entityType models.EntityType, operation models.Operation, payload json.RawMessage) (*models.PendingMutation, error) {
	if e.isStopped() {
		return nil, ErrEngineStopped
	}

	mutation := &models.PendingMutation{
		ID:         uuid.NewString(),
		EntityType: entityType,
		Operation:  operation,
		Payload:    payload,
	}

	details := mutation.Validate()
	if len(details) == 0 {
		key, ok := models.BusinessKeyFromPayload(entityType, payload)
		switch {
		case ok:
			mutation.BusinessKey = key
		case operation == models.OperationCreate:
			// A record without a natural key is addressed by its mutation ID
			mutation.BusinessKey = mutation.ID
		default:
			details = append(details, models.ErrorDetail{
				Field: entityType.BusinessKeyField(),
				Issue: fmt.Sprintf("business key is required to %s a %s", operation, entityType),
			})
		}
	}
	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}

	if err := e.append(ctx, mutation); err != nil {
		return nil, fmt.Errorf("failed to enqueue %s %s: %w", mutation.EntityType, mutation.BusinessKey, err)
	}

	e.observer.MutationEnqueued(ctx, mutation.EntityType)
	e.refreshPendingCount(ctx)

	e.logger.Debug("Mutation enqueued",
		"mutation_id", mutation.ID,
		"entity_type", mutation.EntityType,
		"business_key", mutation.BusinessKey,
		"operation", mutation.Operation)

	return mutation, nil
}

// append stamps the mutation's CreatedAt and stores it. The timestamp never goes
// backwards, even when the wall clock does, so the remote store's last-writer-wins
// check sees a record's mutations in the order they were queued.
func (e *Engine) append(ctx context.Context, mutation *models.PendingMutation) error {
	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()

	if !e.clockLoaded {
		last, err := e.store.LastCreatedAt(ctx)
		if err != nil {
			return err
		}
		e.lastCreatedAt = last
		e.clockLoaded = true
	}

	now := e.now().UTC()
	createdAt := now
	if !now.After(e.lastCreatedAt) {
		// Microseconds survive every remote backend's timestamp precision
		createdAt = e.lastCreatedAt.Add(time.Microsecond)
		if now.Before(e.lastCreatedAt) {
			e.logger.Warn("Clock is behind the newest queued mutation, using a later timestamp",
				"mutation_id", mutation.ID,
				"clock", now,
				"created_at", createdAt)
		}
	}
	mutation.CreatedAt = createdAt

	if err := e.store.Append(ctx, mutation); err != nil {
		return err
	}
	e.lastCreatedAt = createdAt
	return nil
}

// ForceSyncNow runs a pass immediately, ignoring retry backoff. Concurrent callers,
// and a pass already running, share a single result.
func (e *Engine) ForceSyncNow(ctx context.Context) (*models.SyncResult, error) {
	e.mu.Lock()
	stopped, online := e.stopped, e.online
	e.mu.Unlock()

	if stopped {
		return nil, ErrEngineStopped
	}
	if !online {
		return nil, ErrOffline
	}

	ch := e.group.DoChan(passKey, func() (any, error) {
		return e.runPass(models.TriggerManual, false)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		result := res.Val.(*models.SyncResult)
		if res.Shared {
			e.logger.Info("Sync already in progress, sharing its result", "trigger", result.Trigger)
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetPendingCount returns the number of mutations waiting to be synced
func (e *Engine) GetPendingCount(ctx context.Context) (int, error) {
	return e.store.PendingCount(ctx)
}

// GetStorageStats returns local storage usage per entity type
func (e *Engine) GetStorageStats(ctx context.Context) (*storage.StorageStats, error) {
	return e.store.Stats(ctx)
}

// ListFailed returns the mutations that failed permanently and wait for an operator decision
func (e *Engine) ListFailed(ctx context.Context) ([]models.PendingMutation, error) {
	return e.store.ListFailed(ctx)
}

// RetryFailed puts a permanently failed mutation back in the queue with a fresh
// attempt budget and schedules a pass
func (e *Engine) RetryFailed(ctx context.Context, id string) error {
	if e.isStopped() {
		return ErrEngineStopped
	}
	if err := e.store.Requeue(ctx, id); err != nil {
		return fmt.Errorf("failed to retry mutation %s: %w", id, err)
	}

	e.logger.Info("Failed mutation requeued", "mutation_id", id)
	e.refreshPendingCount(ctx)
	e.trigger(models.TriggerManual)
	return nil
}

// DiscardFailed deletes a permanently failed mutation. It never reaches the remote store.
func (e *Engine) DiscardFailed(ctx context.Context, id string) error {
	if e.isStopped() {
		return ErrEngineStopped
	}
	if err := e.store.Discard(ctx, id); err != nil {
		return fmt.Errorf("failed to discard mutation %s: %w", id, err)
	}

	e.logger.Warn("Failed mutation discarded", "mutation_id", id)
	return nil
}

// ClearOfflineData waits for any running pass and then wipes queued mutations and cached entities
func (e *Engine) ClearOfflineData(ctx context.Context) error {
	if e.isStopped() {
		return ErrEngineStopped
	}

	select {
	case e.passSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.passSem }()

	if err := e.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to clear offline data: %w", err)
	}

	e.publisher.Update(func(s *models.SyncStatus) {
		s.PendingCount = 0
		s.Message = "Offline data cleared"
	})
	e.logger.Warn("Offline data cleared")
	return nil
}

// IsOnline reports the engine's view of remote reachability
func (e *Engine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Status returns the most recently published status
func (e *Engine) Status() models.SyncStatus {
	return e.publisher.Current()
}

// LastResult returns the result of the last completed pass, or nil
func (e *Engine) LastResult() *models.SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResult
}

// Subscribe registers callback for status updates; the current status is delivered first
func (e *Engine) Subscribe(callback status.Callback) func() {
	return e.publisher.Subscribe(callback)
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// handleConnectivity runs on the monitor's goroutine and must not block
func (e *Engine) handleConnectivity(online bool) {
	e.mu.Lock()
	if e.stopped || e.online == online {
		e.mu.Unlock()
		return
	}
	e.online = online
	running := e.running
	e.mu.Unlock()

	e.observer.ConnectivityChanged(context.Background(), online)

	if !online {
		e.logger.Warn("Remote store unreachable, sync paused")
		e.publisher.Update(func(s *models.SyncStatus) {
			s.Type = models.SyncStatusOffline
			s.Online = false
			s.Message = "Remote store unreachable, working offline"
		})
		return
	}

	e.logger.Info("Remote store reachable, scheduling sync")
	e.publisher.Update(func(s *models.SyncStatus) {
		s.Online = true
		s.Type = models.SyncStatusIdle
		if running {
			s.Type = models.SyncStatusSyncing
		}
		s.Message = "Connectivity restored"
	})
	e.trigger(models.TriggerConnectivity)
}

// trigger asks the scheduler for a pass; a request already queued absorbs this one
func (e *Engine) trigger(trigger models.SyncTrigger) {
	select {
	case e.triggerChan <- trigger:
	default:
	}
}

// scheduler runs periodic and triggered passes until shutdown
func (e *Engine) scheduler() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			e.logger.Debug("Sync scheduler stopped")
			return
		case <-ticker.C:
			e.scheduledPass(models.TriggerPeriodic)
		case trigger := <-e.triggerChan:
			e.scheduledPass(trigger)
		}
	}
}

func (e *Engine) scheduledPass(trigger models.SyncTrigger) {
	if !e.IsOnline() || e.isStopped() {
		return
	}

	pending, err := e.store.PendingCount(context.Background())
	if err != nil {
		e.logger.Error("Failed to count pending mutations", "error", err)
		return
	}
	if pending == 0 {
		return
	}

	res := <-e.group.DoChan(passKey, func() (any, error) {
		return e.runPass(trigger, true)
	})
	if res.Err != nil && !errors.Is(res.Err, ErrEngineStopped) {
		e.logger.Error("Scheduled sync failed", "trigger", trigger, "error", res.Err)
	}
}

func (e *Engine) refreshPendingCount(ctx context.Context) {
	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		e.logger.Warn("Failed to refresh pending count", "error", err)
		return
	}
	e.publisher.Update(func(s *models.SyncStatus) {
		s.PendingCount = pending
	})
}
