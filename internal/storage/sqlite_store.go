package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"pos-sync-engine/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - pending_mutations and cached_entities
const currentSchemaVersion = 1

const mutationColumns = `seq, id, entity_type, business_key, operation, payload, created_at,
	attempt_count, last_error, status, next_attempt_at, updated_at, synced_at`

// SQLiteStore implements MutationStore on a single SQLite file in WAL mode
type SQLiteStore struct {
	db         *sql.DB
	path       string
	quotaBytes int64
	logger     *slog.Logger
}

// SQLiteConfig holds configuration for the SQLite store
type SQLiteConfig struct {
	Path string
	// QuotaBytes caps the space in use when appending or caching; 0 means unlimited.
	// Marks and deletes are never refused, so a full queue can still drain.
	QuotaBytes int64
	Logger     *slog.Logger
}

// OpenSQLite creates or opens the mutation database at the configured path
func OpenSQLite(config SQLiteConfig) (*SQLiteStore, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	// modernc.org/sqlite is pure Go, so the POS build needs no cgo toolchain
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer; connection-scoped pragmas rely on a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:         db,
		path:       config.Path,
		quotaBytes: config.QuotaBytes,
		logger:     config.Logger,
	}

	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s.logger.Info("SQLite mutation store opened",
		"path", config.Path,
		"quota_bytes", config.QuotaBytes,
		"schema_version", currentSchemaVersion)

	return s, nil
}

// applyPragmas sets required SQLite configuration
func (s *SQLiteStore) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		// FULL fsyncs each commit so a mark survives power loss on the till
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema version
func (s *SQLiteStore) applySchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", mapSQLiteError(err))
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < currentSchemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts a new pending mutation and fills in its sequence number
func (s *SQLiteStore) Append(ctx context.Context, m *models.PendingMutation) error {
	if err := s.checkQuota(ctx, len(m.Payload)); err != nil {
		return fmt.Errorf("failed to append mutation %s: %w", m.ID, err)
	}

	now := time.Now().UTC()
	m.Status = models.MutationStatusPending
	m.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_mutations
			(id, entity_type, business_key, operation, payload, created_at, attempt_count,
			 last_error, status, next_attempt_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.EntityType), m.BusinessKey, string(m.Operation), []byte(m.Payload),
		m.CreatedAt.UnixNano(), m.AttemptCount, m.LastError, string(m.Status),
		unixNanoOrZero(m.NextAttemptAt), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to append mutation %s: %w", m.ID, mapSQLiteError(err))
	}

	if seq, err := res.LastInsertId(); err == nil {
		m.Sequence = seq
	}
	return nil
}

// Get returns a single mutation by id
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.PendingMutation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mutationColumns+` FROM pending_mutations WHERE id = ?`, id)

	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation %s: %w", id, err)
	}
	return m, nil
}

// ListPending returns pending and failed-permanent mutations in queue order
func (s *SQLiteStore) ListPending(ctx context.Context) ([]models.PendingMutation, error) {
	return s.listByStatus(ctx, models.MutationStatusPending, models.MutationStatusFailedPermanent)
}

// ListFailed returns permanently failed mutations in queue order
func (s *SQLiteStore) ListFailed(ctx context.Context) ([]models.PendingMutation, error) {
	return s.listByStatus(ctx, models.MutationStatusFailedPermanent)
}

func (s *SQLiteStore) listByStatus(ctx context.Context, statuses ...models.MutationStatus) ([]models.PendingMutation, error) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mutationColumns+`
		FROM pending_mutations
		WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mutations: %w", err)
	}
	defer rows.Close()

	var mutations []models.PendingMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		mutations = append(mutations, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutations: %w", err)
	}

	return mutations, nil
}

// PendingCount returns the number of mutations still waiting to sync
func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_mutations WHERE status = ?`,
		string(models.MutationStatusPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return count, nil
}

// LastCreatedAt returns the newest CreatedAt ever queued, or the zero time
func (s *SQLiteStore) LastCreatedAt(ctx context.Context) (time.Time, error) {
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(created_at), 0) FROM pending_mutations`).Scan(&createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last creation time: %w", err)
	}
	if createdAt == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, createdAt).UTC(), nil
}

// MarkInFlight records that a mutation has been dispatched to the remote store
func (s *SQLiteStore) MarkInFlight(ctx context.Context, id string) error {
	return s.updateStatus(ctx, id, `
		UPDATE pending_mutations SET status = ?, updated_at = ? WHERE id = ?`,
		string(models.MutationStatusInFlight), time.Now().UTC().UnixNano(), id)
}

// MarkSynced records that the remote store acknowledged the mutation. The payload is
// dropped in the same statement; the freed pages are reused by later appends.
func (s *SQLiteStore) MarkSynced(ctx context.Context, id string) error {
	now := time.Now().UTC().UnixNano()
	return s.updateStatus(ctx, id, `
		UPDATE pending_mutations
		SET status = ?, payload = NULL, last_error = '', updated_at = ?, synced_at = ?
		WHERE id = ?`,
		string(models.MutationStatusSynced), now, now, id)
}

// MarkFailed records a permanent failure that needs operator attention
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.updateStatus(ctx, id, `
		UPDATE pending_mutations SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(models.MutationStatusFailedPermanent), reason, time.Now().UTC().UnixNano(), id)
}

// IncrementAttempt records a retryable failure and returns the new attempt count.
// The mutation goes back to pending and is not eligible before nextAttemptAt.
func (s *SQLiteStore) IncrementAttempt(ctx context.Context, id string, reason string, nextAttemptAt time.Time) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE pending_mutations
		SET attempt_count = attempt_count + 1, last_error = ?, status = ?, next_attempt_at = ?, updated_at = ?
		WHERE id = ?
		RETURNING attempt_count`,
		reason, string(models.MutationStatusPending), unixNanoOrZero(nextAttemptAt),
		time.Now().UTC().UnixNano(), id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempt for %s: %w", id, mapSQLiteError(err))
	}
	return attempts, nil
}

// Postpone puts a mutation back to pending without counting an attempt
func (s *SQLiteStore) Postpone(ctx context.Context, id string, reason string, nextAttemptAt time.Time) error {
	return s.updateStatus(ctx, id, `
		UPDATE pending_mutations SET status = ?, last_error = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
		string(models.MutationStatusPending), reason, unixNanoOrZero(nextAttemptAt),
		time.Now().UTC().UnixNano(), id)
}

// RecoverInFlight resets mutations interrupted mid-dispatch so they are retried
func (s *SQLiteStore) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations SET status = ?, updated_at = ? WHERE status = ?`,
		string(models.MutationStatusPending), time.Now().UTC().UnixNano(),
		string(models.MutationStatusInFlight))
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight mutations: %w", mapSQLiteError(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneSynced deletes synced records acknowledged before the cutoff, keeping the newest mutation
func (s *SQLiteStore) PruneSynced(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_mutations
		WHERE status = ? AND synced_at < ?
		  AND seq < (SELECT MAX(seq) FROM pending_mutations)`,
		string(models.MutationStatusSynced), before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced mutations: %w", mapSQLiteError(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Requeue gives a permanently failed mutation a fresh set of attempts
func (s *SQLiteStore) Requeue(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET status = ?, attempt_count = 0, last_error = '', next_attempt_at = 0, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.MutationStatusPending), time.Now().UTC().UnixNano(),
		id, string(models.MutationStatusFailedPermanent))
	if err != nil {
		return fmt.Errorf("failed to requeue mutation %s: %w", id, mapSQLiteError(err))
	}
	return s.checkFailedAffected(ctx, id, res)
}

// Discard deletes a permanently failed mutation
func (s *SQLiteStore) Discard(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_mutations WHERE id = ? AND status = ?`,
		id, string(models.MutationStatusFailedPermanent))
	if err != nil {
		return fmt.Errorf("failed to discard mutation %s: %w", id, mapSQLiteError(err))
	}
	return s.checkFailedAffected(ctx, id, res)
}

// checkFailedAffected tells a missing mutation apart from one that has not failed
func (s *SQLiteStore) checkFailedAffected(ctx context.Context, id string, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("mutation %s: %w", id, ErrNotFailed)
}

// PutCached stores or replaces a cached read entity
func (s *SQLiteStore) PutCached(ctx context.Context, entityType models.EntityType, key string, payload json.RawMessage) error {
	if err := s.checkQuota(ctx, len(payload)); err != nil {
		return fmt.Errorf("failed to cache %s/%s: %w", entityType, key, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cached_entities (entity_type, entity_key, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		string(entityType), key, []byte(payload), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to cache %s/%s: %w", entityType, key, mapSQLiteError(err))
	}
	return nil
}

// GetCached returns a cached read entity
func (s *SQLiteStore) GetCached(ctx context.Context, entityType models.EntityType, key string) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM cached_entities WHERE entity_type = ? AND entity_key = ?`,
		string(entityType), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cached %s/%s: %w", entityType, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached %s/%s: %w", entityType, key, err)
	}
	return json.RawMessage(payload), nil
}

// ClearAll wipes every mutation and cached entity in one transaction
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_mutations`); err != nil {
		return fmt.Errorf("failed to clear mutations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_entities`); err != nil {
		return fmt.Errorf("failed to clear cached entities: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}

	s.logger.Warn("Local offline data cleared", "path", s.path)
	return nil
}

// Stats computes per-entity counts by scanning the current contents
func (s *SQLiteStore) Stats(ctx context.Context) (*StorageStats, error) {
	stats := newStorageStats("sqlite", s.quotaBytes)

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, status, COUNT(*) FROM pending_mutations GROUP BY entity_type, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count mutations: %w", err)
	}
	for rows.Next() {
		var entityType, status string
		var n int
		if err := rows.Scan(&entityType, &status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan mutation counts: %w", err)
		}
		stats.addMutation(models.EntityType(entityType), models.MutationStatus(status), n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutation counts: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM cached_entities GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count cached entities: %w", err)
	}
	for rows.Next() {
		var entityType string
		var n int
		if err := rows.Scan(&entityType, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan cached counts: %w", err)
		}
		stats.addCached(models.EntityType(entityType), n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cached counts: %w", err)
	}

	used, err := s.usedBytes(ctx)
	if err != nil {
		return nil, err
	}
	stats.StorageSize = used

	return stats, nil
}

// usedBytes is the size of the pages holding data. Free-list pages left behind by
// compaction and pruning are excluded because inserts reuse them first.
func (s *SQLiteStore) usedBytes(ctx context.Context) (int64, error) {
	var pageCount, freePages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freePages); err != nil {
		return 0, fmt.Errorf("failed to read freelist_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page_size: %w", err)
	}
	return (pageCount - freePages) * pageSize, nil
}

// checkQuota refuses a write of incoming payload bytes that would take usage past the quota
func (s *SQLiteStore) checkQuota(ctx context.Context, incoming int) error {
	if s.quotaBytes <= 0 {
		return nil
	}
	used, err := s.usedBytes(ctx)
	if err != nil {
		return err
	}
	if used+int64(incoming) > s.quotaBytes {
		return fmt.Errorf("%w: %d bytes in use, %d more would exceed quota of %d bytes",
			ErrStorageFull, used, incoming, s.quotaBytes)
	}
	return nil
}

func (s *SQLiteStore) updateStatus(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, mapSQLiteError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mutation %s: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMutation(row rowScanner) (*models.PendingMutation, error) {
	var (
		m                                   models.PendingMutation
		entityType, operation, status       string
		payload                             []byte
		createdAt, nextAttemptAt, updatedAt int64
		syncedAt                            sql.NullInt64
	)

	err := row.Scan(&m.Sequence, &m.ID, &entityType, &m.BusinessKey, &operation, &payload,
		&createdAt, &m.AttemptCount, &m.LastError, &status, &nextAttemptAt, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	m.EntityType = models.EntityType(entityType)
	m.Operation = models.Operation(operation)
	m.Status = models.MutationStatus(status)
	if len(payload) > 0 {
		m.Payload = json.RawMessage(payload)
	}
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if nextAttemptAt > 0 {
		m.NextAttemptAt = time.Unix(0, nextAttemptAt).UTC()
	}
	if syncedAt.Valid {
		t := time.Unix(0, syncedAt.Int64).UTC()
		m.SyncedAt = &t
	}
	return &m, nil
}

// mapSQLiteError translates a full disk into ErrStorageFull
func mapSQLiteError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}

func unixNanoOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
