package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trainset/internal/db"
	"github.com/sells-group/trainset/internal/model"
)

// DefaultRecordTable is the table read when a postgres source names none.
const DefaultRecordTable = "source_records"

// PostgresAdapter reads records for one source from a normalized record
// table (see db.EnsureRecordTable).
type PostgresAdapter struct {
	id    string
	pool  db.Pool
	table string
}

// NewPostgresAdapter returns an adapter reading source id's rows from table.
func NewPostgresAdapter(id string, pool db.Pool, table string) *PostgresAdapter {
	return &PostgresAdapter{id: id, pool: pool, table: table}
}

func (a *PostgresAdapter) ID() string { return a.id }

// Fetch selects the source's records inside window, ordered by date.
func (a *PostgresAdapter) Fetch(ctx context.Context, window model.DateRange) ([]model.SourceRecord, error) {
	query := fmt.Sprintf(
		`SELECT source_id, field_name, as_of_date, value, unit, confidence, ingest_ts FROM %s WHERE source_id = $1`,
		tableIdent(a.table),
	)
	args := []any{a.id}
	if !window.Start.IsZero() {
		args = append(args, window.Start)
		query += fmt.Sprintf(` AND as_of_date >= $%d`, len(args))
	}
	if !window.End.IsZero() {
		args = append(args, window.End)
		query += fmt.Sprintf(` AND as_of_date <= $%d`, len(args))
	}
	query += ` ORDER BY as_of_date, field_name, ingest_ts`

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "source %s: query %s", a.id, a.table)
	}
	defer rows.Close()

	var recs []model.SourceRecord
	for rows.Next() {
		var r model.SourceRecord
		var asOf, ingest time.Time
		if err := rows.Scan(&r.SourceID, &r.FieldName, &asOf, &r.Value, &r.Unit, &r.Confidence, &ingest); err != nil {
			return nil, eris.Wrapf(err, "source %s: scan record", a.id)
		}
		r.AsOfDate = model.Day(asOf)
		r.IngestTimestamp = ingest.UTC()
		recs = append(recs, r)
	}
	return recs, eris.Wrapf(rows.Err(), "source %s: iterate records", a.id)
}

func tableIdent(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}
