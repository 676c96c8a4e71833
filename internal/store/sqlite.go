package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/trainset/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
	// staleLock is the age after which a lock row is considered abandoned.
	staleLock time.Duration
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, staleLock: 10 * time.Minute}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	as_of      TEXT NOT NULL,
	state      TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_events (
	run_id TEXT NOT NULL REFERENCES runs(id),
	seq    INTEGER NOT NULL,
	state  TEXT NOT NULL,
	error  TEXT NOT NULL DEFAULT '',
	at     DATETIME NOT NULL,
	PRIMARY KEY (run_id, seq)
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
	coverage     TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	UNIQUE (surface, horizon, version)
);

CREATE TABLE IF NOT EXISTS snapshot_locks (
	lock_key    TEXT PRIMARY KEY,
	holder      TEXT NOT NULL,
	acquired_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE INDEX IF NOT EXISTS idx_snapshots_run_id ON snapshots(run_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, asOf time.Time) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.New().String(),
		AsOf:      model.Day(asOf),
		State:     model.RunCollecting,
		CreatedAt: time.Now().UTC(),
	}
	run.UpdatedAt = run.CreatedAt

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, as_of, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.AsOf.Format(model.DateLayout), string(run.State), run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, state, at) VALUES (?, 0, ?, ?)`,
		run.ID, string(run.State), run.CreatedAt,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run event")
	}
	return run, eris.Wrap(tx.Commit(), "sqlite: commit run")
}

func (s *SQLiteStore) UpdateRunState(ctx context.Context, runID string, state model.RunState, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback()

	run, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT id, as_of, state, error, created_at, updated_at FROM runs WHERE id = ?`, runID))
	if err != nil {
		return err
	}
	if err := checkTransition(run, state); err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET state = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(state), errMsg, now, runID,
	); err != nil {
		return eris.Wrapf(err, "sqlite: update run state %s", runID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, state, error, at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM run_events WHERE run_id = ?), ?, ?, ?)`,
		runID, runID, string(state), errMsg, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert run event %s", runID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit run state")
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, as_of, state, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, as_of, state, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at DESC, id`
	query, args = appendPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) ListRunEvents(ctx context.Context, runID string) ([]RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, state, error, at FROM run_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list run events")
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		if err := rows.Scan(&e.RunID, &e.State, &e.Error, &e.At); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run event")
		}
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list run events iterate")
}

func (s *SQLiteStore) RecordSnapshot(ctx context.Context, snap *model.TrainingSnapshot) error {
	coverage, err := json.Marshal(snap.CoverageSummary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal coverage")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (id, run_id, surface, horizon, version, schema_hash, content_hash,
		 row_count, column_count, file_path, coverage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.RunID, string(snap.Surface), int(snap.Horizon), snap.Version, snap.SchemaHash, snap.ContentHash,
		snap.RowCount, snap.ColumnCount, snap.FilePath, string(coverage), snap.CreatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return duplicateError(snap.Key())
		}
		return eris.Wrapf(err, "sqlite: insert snapshot %s", snap.Key())
	}
	return nil
}

const snapshotColumns = `id, run_id, surface, horizon, version, schema_hash, content_hash, row_count, column_count, file_path, coverage, created_at`

func (s *SQLiteStore) GetSnapshot(ctx context.Context, key model.SnapshotKey) (*model.TrainingSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE surface = ? AND horizon = ? AND version = ?`,
		string(key.Surface), int(key.Horizon), key.Version,
	)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

func (s *SQLiteStore) GetSnapshotByID(ctx context.Context, id string) (*model.TrainingSnapshot, error) {
	snap, err := scanSnapshot(s.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("snapshot not found: %s", id)
	}
	return snap, err
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]model.TrainingSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE 1=1`
	var args []any
	if filter.Surface != "" {
		query += ` AND surface = ?`
		args = append(args, string(filter.Surface))
	}
	if filter.Horizon > 0 {
		query += ` AND horizon = ?`
		args = append(args, int(filter.Horizon))
	}
	if filter.Version != "" {
		query += ` AND version = ?`
		args = append(args, filter.Version)
	}
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	query += ` ORDER BY created_at DESC, surface, horizon, version`
	query, args = appendPage(query, args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list snapshots")
	}
	defer rows.Close()

	var out []model.TrainingSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list snapshots iterate")
}

// Lock claims a row in snapshot_locks. Rows older than the stale threshold
// are taken over so a crashed process cannot wedge a key forever.
func (s *SQLiteStore) Lock(ctx context.Context, key model.SnapshotKey, timeout time.Duration) (func(), error) {
	holder := uuid.New().String()
	k := key.String()
	start := time.Now()

	for {
		now := time.Now()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM snapshot_locks WHERE lock_key = ? AND acquired_ns < ?`,
			k, now.Add(-s.staleLock).UnixNano(),
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: clear stale lock %s", k)
		}
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO snapshot_locks (lock_key, holder, acquired_ns) VALUES (?, ?, ?)`,
			k, holder, now.UnixNano(),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: acquire lock %s", k)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return func() {
				_, _ = s.db.ExecContext(context.Background(),
					`DELETE FROM snapshot_locks WHERE lock_key = ? AND holder = ?`, k, holder)
			}, nil
		}

		if waited := time.Since(start); waited >= timeout {
			return nil, lockTimeoutError(key, waited)
		}
		if err := waitPoll(ctx); err != nil {
			return nil, err
		}
	}
}

// helpers

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var asOf string
	err := row.Scan(&r.ID, &asOf, &r.State, &r.Error, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if r.AsOf, err = model.ParseDate(asOf); err != nil {
		return nil, eris.Wrap(err, "sqlite: parse run as_of")
	}
	return &r, nil
}

func scanSnapshot(row scannable) (*model.TrainingSnapshot, error) {
	var snap model.TrainingSnapshot
	var horizon int
	var coverage string
	err := row.Scan(&snap.ID, &snap.RunID, &snap.Surface, &horizon, &snap.Version, &snap.SchemaHash, &snap.ContentHash,
		&snap.RowCount, &snap.ColumnCount, &snap.FilePath, &coverage, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan snapshot")
	}
	snap.Horizon = model.Horizon(horizon)
	if err := json.Unmarshal([]byte(coverage), &snap.CoverageSummary); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal coverage")
	}
	return &snap, nil
}

func appendPage(query string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}
	return query, args
}
