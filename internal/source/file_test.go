package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trainset/internal/model"
)

const pricesCSV = `source_id,field_name,as_of_date,value,unit,confidence,ingest_timestamp
prices,copper_px,2024-01-01,3.80,usd/lb,1,2024-01-01T18:00:00Z
prices,copper_px,2024-01-02,3.85,usd/lb,,
,copper_px,2024-01-03,3.90,usd/lb,0.5,2024-01-04
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseRecords_Defaults(t *testing.T) {
	recs, err := ParseRecords([]byte(pricesCSV), "prices")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, time.Date(2024, 1, 1, 18, 0, 0, 0, time.UTC), recs[0].IngestTimestamp)

	// Missing confidence and ingest timestamp.
	assert.Equal(t, 1.0, recs[1].Confidence)
	assert.Equal(t, recs[1].AsOfDate, recs[1].IngestTimestamp)

	// Missing source_id falls back to the adapter.
	assert.Equal(t, "prices", recs[2].SourceID)
	assert.Equal(t, 0.5, recs[2].Confidence)
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), recs[2].IngestTimestamp)
}

func TestParseRecords_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad date", "field_name,as_of_date,value,unit\ncopper_px,01/02/2024,1,usd/lb\n", "line 2"},
		{"empty field", "field_name,as_of_date,value,unit\n,2024-01-02,1,usd/lb\n", "empty field_name"},
		{"bad value", "field_name,as_of_date,value,unit\ncopper_px,2024-01-02,abc,usd/lb\n", "decode records"},
		{"bad timestamp", "field_name,as_of_date,value,unit,ingest_timestamp\ncopper_px,2024-01-02,1,usd/lb,yesterday\n", "invalid ingest_timestamp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecords([]byte(tt.body), "prices")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestFileAdapter_FetchWindow(t *testing.T) {
	path := writeFile(t, "prices.csv", pricesCSV)
	a := NewFileAdapter("prices", path)
	assert.Equal(t, "prices", a.ID())

	window := model.DateRange{End: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	recs, err := a.Fetch(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 3.85, recs[1].Value)

	window.Start = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	recs, err = a.Fetch(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestFileAdapter_MissingFile(t *testing.T) {
	a := NewFileAdapter("prices", filepath.Join(t.TempDir(), "nope.csv"))
	_, err := a.Fetch(context.Background(), model.DateRange{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source prices: read")
}

func TestBuild(t *testing.T) {
	adapters, err := Build([]Spec{
		{ID: "prices", Kind: KindFile, Path: "prices.csv"},
		{ID: "macro", Kind: KindFile, Path: "macro.csv"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, adapters, 2)
	assert.Equal(t, "macro", adapters[1].ID())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
		want  string
	}{
		{"empty id", []Spec{{Kind: KindFile, Path: "x"}}, "empty id"},
		{"duplicate", []Spec{{ID: "a", Kind: KindFile, Path: "x"}, {ID: "a", Kind: KindFile, Path: "y"}}, "duplicate source"},
		{"no path", []Spec{{ID: "a", Kind: KindFile}}, "has no path"},
		{"no pool", []Spec{{ID: "a", Kind: KindPostgres}}, "needs store.database_url"},
		{"unknown kind", []Spec{{ID: "a", Kind: "ftp"}}, "unknown kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.specs, nil)
			require.Error(t, err)
			var cfgErr *model.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSpecTimeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, Spec{TimeoutSecs: 5}.Timeout(time.Minute))
	assert.Equal(t, time.Minute, Spec{}.Timeout(time.Minute))
}
