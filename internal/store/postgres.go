package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trainset/internal/db"
	"github.com/sells-group/trainset/internal/model"
)

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects to dsn and returns a store owning the pool.
func NewPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, dsn, maxConns)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Close does not close it.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for use by subsystems that need
// direct query access (e.g., the postgres source adapter).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	as_of      DATE NOT NULL,
	state      TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_events (
	id     BIGSERIAL PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES runs(id),
	state  TEXT NOT NULL,
	error  TEXT NOT NULL DEFAULT '',
	at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS snapshots (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL,
	surface      TEXT NOT NULL,
	horizon      INTEGER NOT NULL,
	version      TEXT NOT NULL,
	schema_hash  TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	row_count    INTEGER NOT NULL,
	column_count INTEGER NOT NULL,
	file_path    TEXT NOT NULL,
	coverage     JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (surface, horizon, version)
);

CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id);
CREATE INDEX IF NOT EXISTS idx_snapshots_run_id ON snapshots(run_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, asOf time.Time) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		AsOf:      model.Day(asOf),
		State:     model.RunCollecting,
		CreatedAt: time.Now().UTC(),
	}
	run.UpdatedAt = run.CreatedAt

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (id, as_of, state, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.AsOf, string(run.State), run.CreatedAt, run.UpdatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO run_events (run_id, state, at) VALUES ($1, $2, $3)`,
		run.ID, string(run.State), run.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "postgres: insert run event")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit run")
	}
	return run, nil
}

func (s *PostgresStore) UpdateRunState(ctx context.Context, runID string, state model.RunState, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx)

	run, err := s.scanRun(tx.QueryRow(ctx,
		`SELECT id, as_of, state, error, created_at, updated_at FROM runs WHERE id = $1 FOR UPDATE`, runID), runID)
	if err != nil {
		return err
	}
	if err := checkTransition(run, state); err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE runs SET state = $1, error = $2, updated_at = $3 WHERE id = $4`,
		string(state), errMsg, now, runID,
	); err != nil {
		return eris.Wrapf(err, "postgres: update run state %s", runID)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO run_events (run_id, state, error, at) VALUES ($1, $2, $3, $4)`,
		runID, string(state), errMsg, now,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert run event %s", runID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit run state")
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return s.scanRun(s.pool.QueryRow(ctx,
		`SELECT id, as_of, state, error, created_at, updated_at FROM runs WHERE id = $1`, runID), runID)
}

func (s *PostgresStore) scanRun(row pgx.Row, runID string) (*model.Run, error) {
	var r model.Run
	var state string
	err := row.Scan(&r.ID, &r.AsOf, &state, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	r.State = model.RunState(state)
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, as_of, state, error, created_at, updated_at FROM runs WHERE true`
	args := []any{}

	if filter.State != "" {
		args = append(args, string(filter.State))
		query += fmt.Sprintf(` AND state = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, id`
	query, args = appendPagePG(query, args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var state string
		if err := rows.Scan(&r.ID, &r.AsOf, &state, &r.Error, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.State = model.RunState(state)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, state, error, at FROM run_events WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list run events")
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var state string
		if err := rows.Scan(&e.RunID, &state, &e.Error, &e.At); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run event")
		}
		e.State = model.RunState(state)
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list run events iterate")
}

func (s *PostgresStore) RecordSnapshot(ctx context.Context, snap *model.TrainingSnapshot) error {
	coverage, err := json.Marshal(snap.CoverageSummary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal coverage")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO snapshots (`+snapshotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		snap.ID, snap.RunID, string(snap.Surface), int(snap.Horizon), snap.Version, snap.SchemaHash, snap.ContentHash,
		snap.RowCount, snap.ColumnCount, snap.FilePath, coverage, snap.CreatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return duplicateError(snap.Key())
		}
		return eris.Wrapf(err, "postgres: insert snapshot %s", snap.Key())
	}
	return nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, key model.SnapshotKey) (*model.TrainingSnapshot, error) {
	snap, err := scanSnapshotPG(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE surface = $1 AND horizon = $2 AND version = $3`,
		string(key.Surface), int(key.Horizon), key.Version,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func (s *PostgresStore) GetSnapshotByID(ctx context.Context, id string) (*model.TrainingSnapshot, error) {
	snap, err := scanSnapshotPG(s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("snapshot not found: %s", id)
	}
	return snap, err
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.TrainingSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE true`
	args := []any{}
	if filter.Surface != "" {
		args = append(args, string(filter.Surface))
		query += fmt.Sprintf(` AND surface = $%d`, len(args))
	}
	if filter.Horizon > 0 {
		args = append(args, int(filter.Horizon))
		query += fmt.Sprintf(` AND horizon = $%d`, len(args))
	}
	if filter.Version != "" {
		args = append(args, filter.Version)
		query += fmt.Sprintf(` AND version = $%d`, len(args))
	}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		query += fmt.Sprintf(` AND run_id = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC, surface, horizon, version`
	query, args = appendPagePG(query, args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list snapshots")
	}
	defer rows.Close()

	var out []model.TrainingSnapshot
	for rows.Next() {
		snap, err := scanSnapshotPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list snapshots iterate")
}

// Lock holds a transaction-scoped advisory lock on the key's hash. The lock
// is released when unlock commits the transaction, or when the connection
// drops.
func (s *PostgresStore) Lock(ctx context.Context, key model.SnapshotKey, timeout time.Duration) (func(), error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin lock tx")
	}
	start := time.Now()
	id := lockID(key)

	for {
		var acquired bool
		if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, id).Scan(&acquired); err != nil {
			_ = tx.Rollback(context.Background())
			return nil, eris.Wrapf(err, "postgres: try lock %s", key)
		}
		if acquired {
			return func() { _ = tx.Commit(context.Background()) }, nil
		}

		if waited := time.Since(start); waited >= timeout {
			_ = tx.Rollback(context.Background())
			return nil, lockTimeoutError(key, waited)
		}
		if err := waitPoll(ctx); err != nil {
			_ = tx.Rollback(context.Background())
			return nil, err
		}
	}
}

func scanSnapshotPG(row pgx.Row) (*model.TrainingSnapshot, error) {
	var snap model.TrainingSnapshot
	var surface string
	var horizon int
	var coverage []byte
	err := row.Scan(&snap.ID, &snap.RunID, &surface, &horizon, &snap.Version, &snap.SchemaHash, &snap.ContentHash,
		&snap.RowCount, &snap.ColumnCount, &snap.FilePath, &coverage, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan snapshot")
	}
	snap.Surface = model.Surface(surface)
	snap.Horizon = model.Horizon(horizon)
	if err := json.Unmarshal(coverage, &snap.CoverageSummary); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal coverage")
	}
	return &snap, nil
}

func appendPagePG(query string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	return query, args
}
