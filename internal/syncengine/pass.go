package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pos-sync-engine/internal/models"
	"pos-sync-engine/internal/remote"
)

// mutationGroup holds the queued mutations of one record, oldest first
type mutationGroup struct {
	key   string
	items []models.PendingMutation
}

// groupPending splits the queue by record, keeping queue order inside each group
// and ordering groups by their oldest mutation. Permanently failed mutations are left out.
func groupPending(pending []models.PendingMutation) []mutationGroup {
	index := make(map[string]int)
	var groups []mutationGroup

	for _, m := range pending {
		if m.Status == models.MutationStatusFailedPermanent {
			continue
		}
		key := m.GroupKey()
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, mutationGroup{key: key})
		}
		groups[i].items = append(groups[i].items, m)
	}
	return groups
}

// resultCollector aggregates worker outcomes into a SyncResult
type resultCollector struct {
	mu     sync.Mutex
	result *models.SyncResult
}

func (c *resultCollector) succeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Success++
}

func (c *resultCollector) fail(detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Errors++
	c.result.Details = append(c.result.Details, detail)
}

func (c *resultCollector) skip(n int, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result.Skipped += n
	c.result.Details = append(c.result.Details, detail)
}

func (e *Engine) beginPass() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrEngineStopped
	}
	e.passWG.Add(1)
	e.mu.Unlock()

	e.passSem <- struct{}{}

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) endPass() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	<-e.passSem
	e.passWG.Done()
}

// runPass drains the queue once. Individual mutation failures are reported in the
// result; the pass itself always completes.
func (e *Engine) runPass(trigger models.SyncTrigger, honorBackoff bool) (*models.SyncResult, error) {
	if err := e.beginPass(); err != nil {
		return nil, err
	}
	defer e.endPass()

	ctx := context.Background()
	startedAt := e.now()
	result := &models.SyncResult{
		Trigger:   trigger,
		StartedAt: startedAt.UTC(),
		Details:   []string{},
	}

	e.logger.Info("Sync pass started", "trigger", trigger)
	e.publisher.Update(func(s *models.SyncStatus) {
		if e.IsOnline() {
			s.Type = models.SyncStatusSyncing
		}
		s.Message = fmt.Sprintf("Sync started (%s)", trigger)
	})

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		e.logger.Error("Failed to list pending mutations", "error", err)
		result.Errors++
		result.Details = append(result.Details, fmt.Sprintf("failed to list pending mutations: %v", err))
	} else {
		collector := &resultCollector{result: result}
		e.dispatch(groupPending(pending), honorBackoff, collector)
	}

	result.Duration = e.now().Sub(startedAt)
	e.finishPass(ctx, result)
	return result, nil
}

// dispatch hands each group to exactly one worker of a bounded pool
func (e *Engine) dispatch(groups []mutationGroup, honorBackoff bool, collector *resultCollector) {
	if len(groups) == 0 {
		return
	}

	workers := e.config.WorkerCount
	if workers > len(groups) {
		workers = len(groups)
	}

	jobs := make(chan mutationGroup)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range jobs {
				e.processGroup(group, honorBackoff, collector)
			}
		}()
	}

	for _, group := range groups {
		jobs <- group
	}
	close(jobs)
	wg.Wait()
}

// processGroup applies a record's mutations strictly in order and stops at the
// first one that cannot be applied yet, so later ones never overtake it
func (e *Engine) processGroup(group mutationGroup, honorBackoff bool, collector *resultCollector) {
	for i, m := range group.items {
		remaining := len(group.items) - i

		if !e.IsOnline() {
			collector.skip(remaining, fmt.Sprintf("%s: offline, %d mutation(s) deferred", group.key, remaining))
			return
		}

		if honorBackoff && m.NextAttemptAt.After(e.now()) {
			e.observer.MutationProcessed(context.Background(), m.EntityType, OutcomeDeferred, 0)
			collector.skip(remaining, fmt.Sprintf("%s: waiting for retry at %s, %d mutation(s) deferred",
				group.key, m.NextAttemptAt.UTC().Format(time.RFC3339), remaining))
			return
		}

		if !e.processMutation(m, collector) {
			if rest := remaining - 1; rest > 0 {
				collector.skip(rest, fmt.Sprintf("%s: %d later mutation(s) held back to keep order", group.key, rest))
			}
			return
		}
	}
}

// processMutation applies one mutation and records its outcome durably.
// It reports whether later mutations of the same record may proceed.
func (e *Engine) processMutation(m models.PendingMutation, collector *resultCollector) bool {
	ctx := context.Background()
	started := time.Now()

	if err := e.store.MarkInFlight(ctx, m.ID); err != nil {
		e.logger.Error("Failed to mark mutation in flight", "mutation_id", m.ID, "error", err)
		collector.fail(fmt.Sprintf("%s: %v", describe(m), err))
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, e.config.RemoteTimeout)
	ack, err := e.adapter.Apply(callCtx, m)
	cancel()

	if err == nil {
		if ack == nil {
			ack = &remote.Ack{MutationID: m.ID}
		}
		if err := e.store.MarkSynced(ctx, m.ID); err != nil {
			// Left in flight; recovery at the next start replays the apply
			e.logger.Error("Failed to mark mutation synced", "mutation_id", m.ID, "error", err)
			collector.fail(fmt.Sprintf("%s: applied but not recorded: %v", describe(m), err))
			return false
		}
		collector.succeed()
		e.observer.MutationProcessed(ctx, m.EntityType, OutcomeSynced, time.Since(started))
		e.logger.Debug("Mutation synced",
			"mutation_id", m.ID,
			"entity_type", m.EntityType,
			"business_key", m.BusinessKey,
			"version", ack.Version,
			"replayed", ack.Replayed)
		return true
	}

	if remote.IsRetryable(err) {
		return e.handleRetryable(ctx, m, err, collector, started)
	}

	reason := err.Error()
	if markErr := e.store.MarkFailed(ctx, m.ID, reason); markErr != nil {
		e.logger.Error("Failed to mark mutation failed", "mutation_id", m.ID, "error", markErr)
		collector.fail(fmt.Sprintf("%s: %v", describe(m), markErr))
		return false
	}
	collector.fail(fmt.Sprintf("%s: %s", describe(m), reason))
	e.observer.MutationProcessed(ctx, m.EntityType, OutcomeFailed, time.Since(started))
	e.logger.Warn("Mutation rejected by remote store",
		"mutation_id", m.ID,
		"entity_type", m.EntityType,
		"business_key", m.BusinessKey,
		"kind", remote.KindOf(err),
		"error", err)
	return true
}

func (e *Engine) handleRetryable(ctx context.Context, m models.PendingMutation, cause error, collector *resultCollector, started time.Time) bool {
	nextAttemptAt := e.now().Add(retryDelay(e.config.BackoffBase, e.config.BackoffMax, m.AttemptCount+1))

	if !remote.KindOf(cause).CountsAsAttempt() {
		return e.postpone(ctx, m, cause, nextAttemptAt, collector, started)
	}

	attempts, err := e.store.IncrementAttempt(ctx, m.ID, cause.Error(), nextAttemptAt)
	if err != nil {
		e.logger.Error("Failed to record sync attempt", "mutation_id", m.ID, "error", err)
		collector.fail(fmt.Sprintf("%s: %v", describe(m), err))
		return false
	}

	if attempts >= e.config.MaxAttempts {
		reason := fmt.Sprintf("gave up after %d attempts: %v", attempts, cause)
		if err := e.store.MarkFailed(ctx, m.ID, reason); err != nil {
			e.logger.Error("Failed to mark mutation failed", "mutation_id", m.ID, "error", err)
			collector.fail(fmt.Sprintf("%s: %v", describe(m), err))
			return false
		}
		collector.fail(fmt.Sprintf("%s: %s", describe(m), reason))
		e.observer.MutationProcessed(ctx, m.EntityType, OutcomeFailed, time.Since(started))
		e.logger.Warn("Mutation exceeded retry limit",
			"mutation_id", m.ID,
			"entity_type", m.EntityType,
			"business_key", m.BusinessKey,
			"attempts", attempts)
		return true
	}

	collector.fail(fmt.Sprintf("%s: attempt %d/%d failed, retry at %s: %v",
		describe(m), attempts, e.config.MaxAttempts, nextAttemptAt.UTC().Format(time.RFC3339), cause))
	e.observer.MutationProcessed(ctx, m.EntityType, OutcomeRetry, time.Since(started))
	e.logger.Info("Mutation will be retried",
		"mutation_id", m.ID,
		"business_key", m.BusinessKey,
		"attempts", attempts,
		"next_attempt_at", nextAttemptAt,
		"error", cause)
	return false
}

// postpone holds a mutation back without using up one of its attempts
func (e *Engine) postpone(ctx context.Context, m models.PendingMutation, cause error, nextAttemptAt time.Time, collector *resultCollector, started time.Time) bool {
	if err := e.store.Postpone(ctx, m.ID, cause.Error(), nextAttemptAt); err != nil {
		e.logger.Error("Failed to postpone mutation", "mutation_id", m.ID, "error", err)
		collector.fail(fmt.Sprintf("%s: %v", describe(m), err))
		return false
	}

	collector.fail(fmt.Sprintf("%s: retry at %s, attempt not counted: %v",
		describe(m), nextAttemptAt.UTC().Format(time.RFC3339), cause))
	e.observer.MutationProcessed(ctx, m.EntityType, OutcomeRetry, time.Since(started))
	e.logger.Error("Remote store rejected the till's credentials",
		"mutation_id", m.ID,
		"business_key", m.BusinessKey,
		"next_attempt_at", nextAttemptAt,
		"error", cause)
	return false
}

func (e *Engine) finishPass(ctx context.Context, result *models.SyncResult) {
	e.pruneSynced(ctx)

	pending, err := e.store.PendingCount(ctx)
	if err != nil {
		e.logger.Warn("Failed to refresh pending count", "error", err)
		pending = -1
	}

	e.mu.Lock()
	e.lastResult = result
	e.mu.Unlock()

	// Success means nothing is left behind; deferred work is reported without claiming it
	outcome := models.SyncStatusSuccess
	message := fmt.Sprintf("Synced %d, failed %d, deferred %d", result.Success, result.Errors, result.Skipped)
	switch {
	case result.Errors > 0:
		outcome = models.SyncStatusError
	case result.Skipped > 0:
		outcome = models.SyncStatusIdle
		message = fmt.Sprintf("Synced %d, %d deferred to a later pass", result.Success, result.Skipped)
	}

	e.publisher.Update(func(s *models.SyncStatus) {
		s.Type = outcome
		if !e.IsOnline() {
			s.Type = models.SyncStatusOffline
		}
		s.LastResult = result
		s.Message = message
		if pending >= 0 {
			s.PendingCount = pending
		}
	})
	e.publisher.Update(func(s *models.SyncStatus) {
		s.Type = models.SyncStatusIdle
		if !e.IsOnline() {
			s.Type = models.SyncStatusOffline
		}
	})

	e.observer.PassCompleted(ctx, result)
	e.logger.Info("Sync pass completed",
		"trigger", result.Trigger,
		"success", result.Success,
		"errors", result.Errors,
		"skipped", result.Skipped,
		"duration", result.Duration)
}

// pruneSynced drops synced mutations older than the retention window
func (e *Engine) pruneSynced(ctx context.Context) {
	pruned, err := e.store.PruneSynced(ctx, e.now().Add(-e.config.SyncedRetention))
	if err != nil {
		e.logger.Warn("Failed to prune synced mutations", "error", err)
		return
	}
	if pruned > 0 {
		e.logger.Debug("Pruned synced mutations", "count", pruned, "retention", e.config.SyncedRetention)
	}
}

func describe(m models.PendingMutation) string {
	return fmt.Sprintf("%s %s %s", m.Operation, m.EntityType, m.BusinessKey)
}
