package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/monitoring"
	"github.com/sells-group/trainset/internal/quality"
	"github.com/sells-group/trainset/internal/registry"
	"github.com/sells-group/trainset/internal/store"
	"github.com/sells-group/trainset/internal/surface"
)

const testFieldsYAML = `
fields:
  - name: price
    source: prices
    unit: usd
    fill: forward_fill
    classification: safe
    prod: true
  - name: volume
    source: prices
    unit: count
    type: int64
    fill: zero_fill
    classification: safe
    prod: true
  - name: settle_next
    source: prices
    unit: usd
    fill: explicit_null
    classification: lookahead
    prod: true
  - name: price_chg
    unit: fraction
    fill: explicit_null
    classification: safe
    prod: true
    derive: {op: pct_change, of: price, window: 1}
  - name: pmi
    source: macro
    unit: index
    fill: forward_fill
    classification: safe
    prod: true
    cadence: weekly
    availability: observed
  - name: temp
    source: weather
    unit: celsius
    fill: forward_fill
    classification: safe
`

const testRegimesYAML = `
baseline: {name: baseline, weight: 1.0}
intervals:
  - {name: boom, start: "2024-01-02", end: "2024-01-31", weight: 2.0}
  - {name: bust, start: "2024-02-10", end: "2024-02-19", weight: 0.5}
`

var (
	asOf     = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rowStart = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	ingest   = time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC)
)

// fakeCollector returns fixed outputs, optionally running a hook first.
type fakeCollector struct {
	mu      sync.Mutex
	outputs []model.SourceOutput
	windows []model.DateRange
	hook    func()
}

func (f *fakeCollector) Collect(_ context.Context, window model.DateRange) ([]model.SourceOutput, error) {
	f.mu.Lock()
	f.windows = append(f.windows, window)
	f.mu.Unlock()
	if f.hook != nil {
		f.hook()
	}
	return f.outputs, nil
}

func rec(src, field string, d time.Time, v float64, unit string) model.SourceRecord {
	return model.SourceRecord{SourceID: src, FieldName: field, AsOfDate: d, Value: v, Unit: unit, Confidence: 1, IngestTimestamp: ingest}
}

// stagedOutputs builds three staggered sources. prices covers every day
// from December through the as-of date, macro publishes weekly from row 21,
// weather only starts on row 40.
func stagedOutputs() []model.SourceOutput {
	var prices, macro, weather []model.SourceRecord
	for d := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC); !d.After(asOf); d = d.AddDate(0, 0, 1) {
		i := float64(d.Sub(rowStart).Hours() / 24)
		prices = append(prices,
			rec("prices", "price", d, 100+i, "usd"),
			rec("prices", "settle_next", d, 101+i, "usd"),
		)
		if d.Weekday() == time.Monday {
			prices = append(prices, rec("prices", "volume", d, 1000+i, "count"))
		}
	}
	for d := rowStart.AddDate(0, 0, 21); !d.After(asOf); d = d.AddDate(0, 0, 7) {
		macro = append(macro, rec("macro", "pmi", d, 50, "index"))
	}
	for d := rowStart.AddDate(0, 0, 40); !d.After(asOf); d = d.AddDate(0, 0, 1) {
		weather = append(weather, rec("weather", "temp", d, 12.5, "celsius"))
	}
	return []model.SourceOutput{
		{SourceID: "macro", Records: macro},
		{SourceID: "prices", Records: prices},
		{SourceID: "weather", Records: weather},
	}
}

type fixture struct {
	store   *store.SQLiteStore
	outDir  string
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return &fixture{store: st, outDir: filepath.Join(dir, "snapshots"), metrics: monitoring.NewMetrics()}
}

func (f *fixture) pipeline(t *testing.T, c Collector) *Pipeline {
	t.Helper()
	fields, err := registry.ParseFields([]byte(testFieldsYAML))
	require.NoError(t, err)
	regimes, err := registry.ParseRegimes([]byte(testRegimesYAML))
	require.NoError(t, err)

	p, err := New(Deps{
		Store:      f.store,
		Collector:  c,
		Fields:     fields,
		Regimes:    *regimes,
		Thresholds: quality.Thresholds{MinRows: 30, MaxNullRate: 0.2},
		Surface:    surface.Config{OutputDir: f.outDir, LockTimeout: 5 * time.Second},
		Metrics:    f.metrics,
	})
	require.NoError(t, err)
	return p
}

func testOptions() Options {
	return Options{
		AsOf:          asOf,
		Days:          60,
		Horizons:      []model.Horizon{30, 7},
		Version:       "v1",
		PriceField:    "price",
		ToleranceDays: 3,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	return records
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	c := &fakeCollector{outputs: stagedOutputs()}
	p := f.pipeline(t, c)
	ctx := context.Background()

	res, err := p.Run(ctx, testOptions())
	require.NoError(t, err)

	assert.Equal(t, model.RunMaterialized, res.State)
	assert.Equal(t, 60, res.Rows)
	assert.Equal(t, model.NewDateRange(rowStart, asOf), res.Range)
	assert.Empty(t, res.Gaps)
	require.Len(t, c.windows, 1)
	assert.Equal(t, rowStart.AddDate(0, 0, -DefaultHistoryDays), c.windows[0].Start)

	// Exactly the staggered fields fall below coverage.
	require.NotNil(t, res.Report)
	assert.False(t, res.Report.Blocked)
	assert.Equal(t, []string{"pmi", "temp"}, res.Report.Coverage.BelowCoverage)

	require.Len(t, res.Snapshots, 4)
	keys := make([]string, len(res.Snapshots))
	for i, s := range res.Snapshots {
		keys[i] = s.Key().String()
		assert.Equal(t, 60, s.RowCount)
		assert.Equal(t, res.RunID, s.RunID)
		assert.Equal(t, map[string]int{"boom": 30, "bust": 10, "baseline": 20}, s.CoverageSummary.Regimes)
		require.NoError(t, surface.Verify(s))
	}
	assert.Equal(t, []string{"prod_1w_v1", "prod_1m_v1", "full_1w_v1", "full_1m_v1"}, keys)

	prod := readCSV(t, res.Snapshots[0].FilePath)
	require.Len(t, prod, 61)
	assert.Equal(t, []string{"date", "target_7", "regime", "sample_weight", "pmi", "price", "price_chg", "volume"}, prod[0])
	full := readCSV(t, res.Snapshots[2].FilePath)
	assert.Equal(t, []string{"date", "target_7", "regime", "sample_weight", "pmi", "price", "price_chg", "temp", "volume"}, full[0])
	assert.NotEqual(t, res.Snapshots[0].SchemaHash, res.Snapshots[2].SchemaHash)

	// target_7 is null only in the last seven rows.
	for i, row := range prod[1:] {
		if i >= 53 {
			assert.Empty(t, row[1], "row %s", row[0])
		} else {
			assert.NotEmpty(t, row[1], "row %s", row[0])
		}
	}
	assert.Equal(t, "2024-01-02", prod[1][0])
	assert.Equal(t, "107", prod[1][1])
	assert.Equal(t, "boom", prod[1][2])
	assert.Equal(t, "2", prod[1][3])
	assert.Equal(t, "2024-02-10", prod[40][0])
	assert.Equal(t, "bust", prod[40][2])
	assert.Equal(t, "0.5", prod[40][3])
	assert.Equal(t, "bust", prod[49][2])
	assert.Equal(t, "2024-02-20", prod[50][0])
	assert.Equal(t, "baseline", prod[50][2])
	assert.Equal(t, "1", prod[50][3])
	weights := map[string]string{}
	for _, row := range prod[1:] {
		weights[row[2]] = row[3]
	}
	assert.Equal(t, map[string]string{"boom": "2", "bust": "0.5", "baseline": "1"}, weights)

	// pmi is null until its first print on row 21, then carried forward.
	for i, row := range prod[1:] {
		if i < 21 {
			assert.Empty(t, row[4], "row %s", row[0])
		} else {
			assert.Equal(t, "50", row[4], "row %s", row[0])
		}
	}
	assert.Equal(t, "baseline", prod[60][2])
	assert.Equal(t, "2024-03-01", prod[60][0])

	// target_30 is null in the last thirty.
	month := readCSV(t, res.Snapshots[1].FilePath)
	assert.Equal(t, "130", month[1][1])
	assert.NotEmpty(t, month[30][1])
	assert.Empty(t, month[31][1])

	run, err := f.store.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunMaterialized, run.State)

	events, err := f.store.ListRunEvents(ctx, res.RunID)
	require.NoError(t, err)
	var states []model.RunState
	for _, e := range events {
		states = append(states, e.State)
	}
	assert.Equal(t, []model.RunState{
		model.RunCollecting, model.RunJoining, model.RunLabeling, model.RunValidating, model.RunMaterialized,
	}, states)
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, &fakeCollector{outputs: stagedOutputs()})
	ctx := context.Background()

	first, err := p.Run(ctx, testOptions())
	require.NoError(t, err)
	before, err := os.ReadFile(first.Snapshots[2].FilePath)
	require.NoError(t, err)

	second, err := p.Run(ctx, testOptions())
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	for i := range first.Snapshots {
		assert.Equal(t, first.Snapshots[i].ID, second.Snapshots[i].ID)
		assert.Equal(t, first.Snapshots[i].ContentHash, second.Snapshots[i].ContentHash)
	}
	after, err := os.ReadFile(second.Snapshots[2].FilePath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	snaps, err := f.store.ListSnapshots(ctx, store.SnapshotFilter{})
	require.NoError(t, err)
	assert.Len(t, snaps, 4)
}

func TestRun_ChangedInputsConflictOnSameVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.pipeline(t, &fakeCollector{outputs: stagedOutputs()}).Run(ctx, testOptions())
	require.NoError(t, err)

	outputs := stagedOutputs()
	outputs[0].Records = append(outputs[0].Records, rec("macro", "pmi", rowStart.AddDate(0, 0, 4), 55, "index"))
	res, err := f.pipeline(t, &fakeCollector{outputs: outputs}).Run(ctx, testOptions())

	var conflict *model.SnapshotConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, model.RunFailed, res.State)
}

func TestRun_SourceGapBlocksOnPrice(t *testing.T) {
	f := newFixture(t)
	outputs := stagedOutputs()
	outputs[1] = model.SourceOutput{SourceID: "prices", Err: &model.SourceUnavailableError{SourceID: "prices", Err: errors.New("timeout")}}
	p := f.pipeline(t, &fakeCollector{outputs: outputs})

	res, err := p.Run(context.Background(), testOptions())
	require.Error(t, err)
	assert.True(t, IsBlocked(err))
	assert.Equal(t, model.RunBlocked, res.State)
	require.Len(t, res.Gaps, 1)
	assert.Equal(t, "prices", res.Gaps[0].SourceID)
	assert.Equal(t, []string{"prices"}, res.Report.Coverage.SourceGaps)
	assert.Empty(t, res.Snapshots)

	_, statErr := os.Stat(f.outDir)
	assert.True(t, os.IsNotExist(statErr), "blocked runs write nothing")

	run, err := f.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunBlocked, run.State)
	assert.Contains(t, run.Error, "validation blocked")
}

func TestRun_NonPriceGapStillMaterializes(t *testing.T) {
	f := newFixture(t)
	outputs := stagedOutputs()
	outputs[2] = model.SourceOutput{SourceID: "weather", Err: errors.New("connection refused")}
	p := f.pipeline(t, &fakeCollector{outputs: outputs})

	res, err := p.Run(context.Background(), testOptions())
	require.NoError(t, err)
	assert.Equal(t, model.RunMaterialized, res.State)
	assert.Equal(t, []string{"weather"}, res.Snapshots[0].CoverageSummary.SourceGaps)
	assert.Equal(t, []string{"pmi", "temp"}, res.Report.Coverage.BelowCoverage)
}

func TestRun_UnitMismatchFails(t *testing.T) {
	f := newFixture(t)
	outputs := stagedOutputs()
	outputs[0].Records[0].Unit = "percent"
	p := f.pipeline(t, &fakeCollector{outputs: outputs})

	res, err := p.Run(context.Background(), testOptions())
	var mismatch *model.UnitMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "pmi", mismatch.Field)
	assert.Equal(t, model.RunFailed, res.State)

	run, err := f.store.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunFailed, run.State)
	assert.Contains(t, run.Error, "unit mismatch")
}

func TestRun_CancelledAtPhaseBoundary(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := f.pipeline(t, &fakeCollector{outputs: stagedOutputs(), hook: cancel})

	res, err := p.Run(ctx, testOptions())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, model.RunFailed, res.State)

	events, err := f.store.ListRunEvents(context.Background(), res.RunID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.RunFailed, events[1].State)
}

func TestRun_InvalidOptions(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, &fakeCollector{outputs: stagedOutputs()})
	var cfgErr *model.ConfigError

	opts := testOptions()
	opts.PriceField = "brent"
	res, err := p.Run(context.Background(), opts)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, model.RunFailed, res.State)

	opts = testOptions()
	opts.Horizons = nil
	_, err = p.Run(context.Background(), opts)
	assert.ErrorAs(t, err, &cfgErr)

	opts = testOptions()
	opts.Start = asOf.AddDate(0, 0, 1)
	_, err = p.Run(context.Background(), opts)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_RejectsUnclassifiedRegistry(t *testing.T) {
	f := newFixture(t)
	fields := model.NewFieldRegistry([]model.FieldMeta{{Name: "price", Source: "prices"}}, nil)

	_, err := New(Deps{Store: f.store, Collector: &fakeCollector{}, Fields: fields})
	var cfgErr *model.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestOptionsResolve(t *testing.T) {
	fields, err := registry.ParseFields([]byte(testFieldsYAML))
	require.NoError(t, err)

	o, err := Options{AsOf: asOf.Add(15 * time.Hour), Days: 10, Horizons: []model.Horizon{30, 7, 30}, PriceField: "price"}.resolve(fields)
	require.NoError(t, err)
	assert.Equal(t, asOf.AddDate(0, 0, -9), o.Start)
	assert.Equal(t, []model.Horizon{7, 30}, o.Horizons)
	assert.Equal(t, []model.Surface{model.SurfaceProd, model.SurfaceFull}, o.Surfaces)
	assert.Equal(t, "v20240301", o.Version)
	assert.Equal(t, 10, o.Range().Len())
	assert.Equal(t, asOf.AddDate(0, 0, -9-DefaultHistoryDays), o.Window().Start)

	_, err = Options{AsOf: asOf, Horizons: []model.Horizon{7}, PriceField: "price"}.resolve(fields)
	assert.Error(t, err, "no start and no day count")

	_, err = Options{AsOf: asOf, Days: 5, Horizons: []model.Horizon{7}, Surfaces: []model.Surface{"dev"}, PriceField: "price"}.resolve(fields)
	assert.Error(t, err)

	_, err = Options{AsOf: asOf, Days: 5, Horizons: []model.Horizon{7}, PriceField: "price_chg"}.resolve(fields)
	var cfgErr *model.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "must be sourced")
}

func TestRun_TargetsUseObservedPrices(t *testing.T) {
	f := newFixture(t)
	outputs := stagedOutputs()
	// Prices stop on 2024-02-20; the price column is forward-filled after that.
	cutoff := time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)
	var kept []model.SourceRecord
	for _, r := range outputs[1].Records {
		if !r.AsOfDate.After(cutoff) {
			kept = append(kept, r)
		}
	}
	outputs[1].Records = kept
	p := f.pipeline(t, &fakeCollector{outputs: outputs})

	opts := testOptions()
	opts.Horizons = []model.Horizon{7}
	opts.Surfaces = []model.Surface{model.SurfaceProd}
	res, err := p.Run(context.Background(), opts)
	require.NoError(t, err)

	prod := readCSV(t, res.Snapshots[0].FilePath)
	byDate := make(map[string][]string, len(prod))
	for _, row := range prod[1:] {
		byDate[row[0]] = row
	}
	// 2024-02-13 + 7 lands on the last observed price.
	assert.Equal(t, "149", byDate["2024-02-13"][1])
	// Later rows would only reach carried-forward prices.
	for _, d := range []string{"2024-02-14", "2024-02-20", "2024-02-25"} {
		assert.Empty(t, byDate[d][1], "target on %s", d)
	}
	// The price column itself is still filled.
	assert.Equal(t, "149", byDate["2024-02-25"][5])
}
