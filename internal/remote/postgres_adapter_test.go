package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pos-sync-engine/internal/models"
)

type fakeRow struct {
	version   int64
	appliedAt time.Time
	err       error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.version
	*dest[1].(*time.Time) = r.appliedAt
	return nil
}

type fakeQuerier struct {
	row      fakeRow
	lastSQL  string
	lastArgs []any
	execs    int
	pingErr  error
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs++
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.lastSQL = sql
	f.lastArgs = args
	return f.row
}

func (f *fakeQuerier) Ping(ctx context.Context) error {
	return f.pingErr
}

func TestPostgresAdapter_ApplyUpsert(t *testing.T) {
	applied := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	db := &fakeQuerier{row: fakeRow{version: 2, appliedAt: applied}}
	adapter := &PostgresAdapter{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	ack, err := adapter.Apply(context.Background(), testMutation(models.OperationUpdate))
	require.NoError(t, err)

	assert.Equal(t, int64(2), ack.Version)
	assert.Equal(t, applied, ack.AppliedAt)
	assert.Contains(t, db.lastSQL, `INSERT INTO "sale_records"`)
	assert.Contains(t, db.lastSQL, `WHERE "sale_records".updated_at <= EXCLUDED.updated_at`)
	require.Len(t, db.lastArgs, 5)
	assert.Equal(t, "F-50000", db.lastArgs[0])
	assert.Equal(t, `{"invoice_number":"F-50000","total":50000}`, db.lastArgs[1])
	assert.Equal(t, false, db.lastArgs[3])
}

func TestPostgresAdapter_DeleteWritesTombstone(t *testing.T) {
	db := &fakeQuerier{row: fakeRow{version: 5, appliedAt: time.Now()}}
	adapter := &PostgresAdapter{db: db}

	_, err := adapter.Apply(context.Background(), testMutation(models.OperationDelete))
	require.NoError(t, err)
	assert.Nil(t, db.lastArgs[1])
	assert.Equal(t, true, db.lastArgs[3])
}

func TestPostgresAdapter_StaleWriteIsConflict(t *testing.T) {
	adapter := &PostgresAdapter{db: &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}}

	_, err := adapter.Apply(context.Background(), testMutation(models.OperationUpdate))
	require.Error(t, err)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestPostgresAdapter_EnsureSchemaAndProbe(t *testing.T) {
	db := &fakeQuerier{}
	adapter := &PostgresAdapter{db: db}

	require.NoError(t, adapter.EnsureSchema(context.Background()))
	assert.Equal(t, len(models.EntityTypes()), db.execs)

	require.NoError(t, adapter.Probe(context.Background()))
	db.pingErr = errors.New("connection refused")
	assert.Error(t, adapter.Probe(context.Background()))
}

func TestClassifyPgError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"unique violation", &pgconn.PgError{Code: "23505"}, KindConflict},
		{"not null violation", &pgconn.PgError{Code: "23502"}, KindValidationRejected},
		{"invalid json", &pgconn.PgError{Code: "22P02"}, KindValidationRejected},
		{"connection failure", &pgconn.PgError{Code: "08006"}, KindNetwork},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, KindNetwork},
		{"query canceled", &pgconn.PgError{Code: "57014"}, KindTimeout},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, KindServerInternal},
		{"disk full", &pgconn.PgError{Code: "53100"}, KindServerInternal},
		{"internal error", &pgconn.PgError{Code: "XX000"}, KindServerInternal},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"dial failure", errors.New("dial tcp: connection refused"), KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, classifyPgError(tt.err).Kind)
		})
	}
}

func TestPostgresAdapter_Integration(t *testing.T) {
	databaseURL := os.Getenv("REMOTE_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("REMOTE_DATABASE_URL not set")
	}

	ctx := context.Background()
	adapter, err := NewPostgresAdapter(ctx, databaseURL, nil)
	require.NoError(t, err)
	defer adapter.Close()

	m := testMutation(models.OperationCreate)
	m.BusinessKey = "F-" + time.Now().Format("150405.000000000")
	m.CreatedAt = time.Now().UTC()

	first, err := adapter.Apply(ctx, m)
	require.NoError(t, err)

	replay, err := adapter.Apply(ctx, m)
	require.NoError(t, err, "replaying the same mutation is accepted")
	assert.Greater(t, replay.Version, first.Version)

	stale := m
	stale.ID = "stale"
	stale.CreatedAt = m.CreatedAt.Add(-time.Hour)
	_, err = adapter.Apply(ctx, stale)
	assert.Equal(t, KindConflict, KindOf(err))
}
