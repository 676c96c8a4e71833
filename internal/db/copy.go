package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trainset/internal/model"
)

// CopyRecords appends records to table with the COPY protocol. Duplicate
// keys fail the whole batch; use UpsertRecords for re-imports.
func CopyRecords(ctx context.Context, pool Pool, table string, recs []model.SourceRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	n, err := pool.CopyFrom(ctx, identifier(table), RecordColumns, pgx.CopyFromRows(recordRows(recs)))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", table)
	}
	return n, nil
}
