package source

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/trainset/internal/model"
)

// csvRecord is one line of a normalized record file:
//
//	source_id,field_name,as_of_date,value,unit,confidence,ingest_timestamp
//
// source_id defaults to the adapter's ID, confidence to 1 and
// ingest_timestamp to the as_of_date.
type csvRecord struct {
	SourceID        string   `csv:"source_id,omitempty"`
	FieldName       string   `csv:"field_name"`
	AsOfDate        string   `csv:"as_of_date"`
	Value           float64  `csv:"value"`
	Unit            string   `csv:"unit"`
	Confidence      *float64 `csv:"confidence,omitempty"`
	IngestTimestamp string   `csv:"ingest_timestamp,omitempty"`
}

// FileAdapter reads records from a CSV file.
type FileAdapter struct {
	id   string
	path string
}

// NewFileAdapter returns an adapter for the CSV file at path.
func NewFileAdapter(id, path string) *FileAdapter {
	return &FileAdapter{id: id, path: path}
}

func (a *FileAdapter) ID() string { return a.id }

// Fetch reads the whole file and keeps the records inside window.
func (a *FileAdapter) Fetch(ctx context.Context, window model.DateRange) ([]model.SourceRecord, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return nil, eris.Wrapf(err, "source %s: read %s", a.id, a.path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	recs, err := ParseRecords(data, a.id)
	if err != nil {
		return nil, eris.Wrapf(err, "source %s", a.id)
	}

	out := recs[:0]
	for _, r := range recs {
		if inWindow(r.AsOfDate, window) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ParseRecords decodes a normalized record CSV. Records without a source_id
// are attributed to defaultSource.
func ParseRecords(data []byte, defaultSource string) ([]model.SourceRecord, error) {
	var rows []csvRecord
	if err := csvutil.Unmarshal(data, &rows); err != nil {
		return nil, eris.Wrap(err, "decode records")
	}

	recs := make([]model.SourceRecord, 0, len(rows))
	for i, row := range rows {
		line := i + 2
		if row.FieldName == "" {
			return nil, eris.Errorf("line %d: empty field_name", line)
		}
		asOf, err := model.ParseDate(strings.TrimSpace(row.AsOfDate))
		if err != nil {
			return nil, eris.Wrapf(err, "line %d", line)
		}

		rec := model.SourceRecord{
			SourceID:        row.SourceID,
			AsOfDate:        asOf,
			FieldName:       row.FieldName,
			Value:           row.Value,
			Unit:            row.Unit,
			Confidence:      1,
			IngestTimestamp: asOf,
		}
		if rec.SourceID == "" {
			rec.SourceID = defaultSource
		}
		if row.Confidence != nil {
			rec.Confidence = *row.Confidence
		}
		if ts := strings.TrimSpace(row.IngestTimestamp); ts != "" {
			rec.IngestTimestamp, err = parseTimestamp(ts)
			if err != nil {
				return nil, eris.Wrapf(err, "line %d", line)
			}
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := model.ParseDate(s)
	if err != nil {
		return time.Time{}, eris.Errorf("invalid ingest_timestamp %q (want RFC 3339 or YYYY-MM-DD)", s)
	}
	return t, nil
}
