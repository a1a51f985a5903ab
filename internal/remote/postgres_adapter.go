package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pos-sync-engine/internal/models"
)

// pgQuerier is the subset of pgxpool.Pool used by the adapter
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresAdapter writes mutations straight into a central PostgreSQL database.
// Each entity type has its own table keyed by business key; a write only lands
// when its timestamp is not older than the stored row.
type PostgresAdapter struct {
	db     pgQuerier
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresAdapter connects to databaseURL and makes sure the record tables exist
func NewPostgresAdapter(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = 8
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	adapter := &PostgresAdapter{db: pool, pool: pool, logger: logger}
	if err := adapter.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Postgres remote adapter ready", "host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)
	return adapter, nil
}

// EnsureSchema creates one records table per entity type
func (a *PostgresAdapter) EnsureSchema(ctx context.Context) error {
	for _, entityType := range models.EntityTypes() {
		table := recordsTable(entityType)
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	business_key TEXT PRIMARY KEY,
	payload      JSONB,
	mutation_id  TEXT NOT NULL,
	deleted      BOOLEAN NOT NULL DEFAULT FALSE,
	version      BIGINT NOT NULL DEFAULT 1,
	updated_at   TIMESTAMPTZ NOT NULL
)`, table)
		if _, err := a.db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}
	return nil
}

// Apply upserts the record, or writes a tombstone for deletes
func (a *PostgresAdapter) Apply(ctx context.Context, m models.PendingMutation) (*Ack, error) {
	table := recordsTable(m.EntityType)

	var payload any
	deleted := m.Operation == models.OperationDelete
	if !deleted && len(m.Payload) > 0 {
		payload = string(m.Payload)
	}

	query := fmt.Sprintf(`INSERT INTO %[1]s (business_key, payload, mutation_id, deleted, version, updated_at)
VALUES ($1, $2, $3, $4, 1, $5)
ON CONFLICT (business_key) DO UPDATE SET
	payload = EXCLUDED.payload,
	mutation_id = EXCLUDED.mutation_id,
	deleted = EXCLUDED.deleted,
	version = %[1]s.version + 1,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.updated_at <= EXCLUDED.updated_at
RETURNING version, updated_at`, table)

	var version int64
	var appliedAt time.Time
	err := a.db.QueryRow(ctx, query, m.BusinessKey, payload, m.ID, deleted, m.CreatedAt.UTC()).Scan(&version, &appliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NewSyncError(KindConflict,
			fmt.Sprintf("%s %s has a newer remote version", m.EntityType, m.BusinessKey), nil)
	}
	if err != nil {
		return nil, classifyPgError(err)
	}

	return &Ack{
		MutationID:  m.ID,
		EntityType:  string(m.EntityType),
		BusinessKey: m.BusinessKey,
		Version:     version,
		AppliedAt:   appliedAt,
	}, nil
}

// Probe implements Prober
func (a *PostgresAdapter) Probe(ctx context.Context) error {
	return a.db.Ping(ctx)
}

// Close releases the connection pool
func (a *PostgresAdapter) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func recordsTable(entityType models.EntityType) string {
	return pgx.Identifier{string(entityType) + "_records"}.Sanitize()
}

// classifyPgError maps PostgreSQL failures onto error kinds by SQLSTATE class
func classifyPgError(err error) *SyncError {
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return NewSyncError(KindTimeout, "database operation timed out", err)
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return NewSyncError(classifyTransport(err), "database unreachable", err)
	}

	message := fmt.Sprintf("database rejected write (%s)", pgErr.Code)
	switch {
	case pgErr.Code == "23505":
		return NewSyncError(KindConflict, message, err)
	case strings.HasPrefix(pgErr.Code, "23"), strings.HasPrefix(pgErr.Code, "22"):
		return NewSyncError(KindValidationRejected, message, err)
	case pgErr.Code == "57014":
		return NewSyncError(KindTimeout, message, err)
	case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "57P"):
		return NewSyncError(KindNetwork, message, err)
	default:
		return NewSyncError(KindServerInternal, message, err)
	}
}
