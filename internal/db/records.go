package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trainset/internal/model"
)

// RecordColumns is the column layout of a normalized source-record table.
var RecordColumns = []string{"source_id", "field_name", "as_of_date", "value", "unit", "confidence", "ingest_ts"}

var recordKey = []string{"source_id", "field_name", "as_of_date", "ingest_ts"}

const recordTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
	source_id  TEXT NOT NULL,
	field_name TEXT NOT NULL,
	as_of_date DATE NOT NULL,
	value      DOUBLE PRECISION NOT NULL,
	unit       TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 1,
	ingest_ts  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_id, field_name, as_of_date, ingest_ts)
);
CREATE INDEX IF NOT EXISTS %s ON %s (source_id, as_of_date);
`

// EnsureRecordTable creates a source-record table if it does not exist.
func EnsureRecordTable(ctx context.Context, pool Pool, table string) error {
	idx := pgx.Identifier{"idx_" + strings.ReplaceAll(table, ".", "_") + "_source_date"}.Sanitize()
	ddl := fmt.Sprintf(recordTableDDL, sanitizeTable(table), idx, sanitizeTable(table))
	_, err := pool.Exec(ctx, ddl)
	return eris.Wrapf(err, "db: create record table %s", table)
}

func recordRows(recs []model.SourceRecord) [][]any {
	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = []any{r.SourceID, r.FieldName, model.Day(r.AsOfDate), r.Value, r.Unit, r.Confidence, r.IngestTimestamp.UTC()}
	}
	return rows
}

// sanitizeTable handles schema-qualified table names like "market.source_records".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func identifier(table string) pgx.Identifier {
	return pgx.Identifier(strings.SplitN(table, ".", 2))
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
