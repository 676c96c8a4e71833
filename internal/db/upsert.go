package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trainset/internal/model"
)

// UpsertRecords loads records through a temp table and inserts the ones not
// already present. Records are immutable, so existing keys are left alone and
// re-importing the same file is a no-op. Returns the number of new rows.
//  1. Creates a temp table shaped like the target
//  2. COPY rows into the temp table
//  3. INSERT INTO target SELECT DISTINCT ... ON CONFLICT (key) DO NOTHING
func UpsertRecords(ctx context.Context, pool Pool, table string, recs []model.SourceRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	if table == "" {
		return 0, eris.New("db: upsert: no table specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx)

	tempTable := "_tmp_import_" + strings.ReplaceAll(table, ".", "_")

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, RecordColumns, pgx.CopyFromRows(recordRows(recs))); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", table)
	}

	colList := quoteAndJoin(RecordColumns)
	insertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT DISTINCT ON (%s) %s FROM %s ON CONFLICT (%s) DO NOTHING",
		sanitizeTable(table),
		colList,
		quoteAndJoin(recordKey),
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		quoteAndJoin(recordKey),
	)
	tag, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}
	return tag.RowsAffected(), nil
}
