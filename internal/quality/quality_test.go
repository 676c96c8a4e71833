package quality

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trainset/internal/join"
	"github.com/sells-group/trainset/internal/model"
)

func ptr(f float64) *float64 { return &f }

func testFields() *model.FieldRegistry {
	return model.NewFieldRegistry([]model.FieldMeta{
		{Name: "px", Source: "prices", Classification: model.CategorySafe, Fill: model.FillExplicitNull},
		{Name: "pmi", Source: "macro", Classification: model.CategorySafe, Fill: model.FillForward,
			Range: &model.Range{Min: ptr(0), Max: ptr(100)}},
	}, nil)
}

// rows returns n daily rows with px = i+1 and pmi = 50.
func rows(n int) []model.FeatureRow {
	out := make([]model.FeatureRow, n)
	for i := range out {
		out[i] = model.NewFeatureRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i))
		out[i].Values["px"] = model.Some(float64(i + 1))
		out[i].Values["pmi"] = model.Some(50)
	}
	return out
}

func input(rs []model.FeatureRow) Input {
	return Input{Rows: rs, Fields: testFields(), PriceField: "px"}
}

func TestValidate_Passes(t *testing.T) {
	r := Validate(context.Background(), input(rows(10)), Thresholds{MinRows: 5})
	assert.False(t, r.Blocked)
	assert.NoError(t, r.Err())
	assert.Empty(t, r.Blocking)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, 10, r.RowCount)

	px := r.Coverage.Fields["px"]
	assert.Equal(t, 0.0, px.NullRate)
	assert.InDelta(t, 5.5, px.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(110.0/12.0), px.StdDev, 1e-12)
	assert.Equal(t, 0.0, r.Coverage.Fields["pmi"].StdDev)
}

func TestValidate_Blocking(t *testing.T) {
	tests := []struct {
		name  string
		in    func() Input
		th    Thresholds
		check string
	}{
		{"duplicate dates", func() Input {
			rs := rows(5)
			rs[3].Date = rs[2].Date
			return input(rs)
		}, Thresholds{}, "duplicate_dates"},
		{"price not registered", func() Input {
			in := input(rows(5))
			in.PriceField = "nickel"
			return in
		}, Thresholds{}, "price"},
		{"price all null", func() Input {
			rs := rows(5)
			for i := range rs {
				rs[i].Values["px"] = model.Null()
			}
			return input(rs)
		}, Thresholds{MaxNullRate: 1}, "price"},
		{"price non-finite", func() Input {
			rs := rows(5)
			rs[1].Values["px"] = model.Value{Float: math.NaN(), Valid: true}
			return input(rs)
		}, Thresholds{}, "price"},
		{"price non-positive", func() Input {
			rs := rows(5)
			rs[1].Values["px"] = model.Some(0)
			return input(rs)
		}, Thresholds{}, "price"},
		{"too few rows", func() Input { return input(rows(3)) }, Thresholds{MinRows: 4}, "row_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Validate(context.Background(), tt.in(), tt.th)
			require.True(t, r.Blocked)
			require.NotEmpty(t, r.Blocking)
			assert.Equal(t, tt.check, r.Blocking[0].Check)

			var blocked *model.ValidationBlockedError
			require.True(t, errors.As(r.Err(), &blocked))
			assert.Same(t, r, blocked.Report)
			assert.Contains(t, r.String(), "BLOCKED")
		})
	}
}

func TestValidate_PriceCoverageOfSpan(t *testing.T) {
	rs := rows(20)
	in := input(rs)
	in.Span = model.NewDateRange(rs[0].Date, rs[19].Date)
	// Forward fill put a price on every row, but only three days were observed.
	in.Prices = map[time.Time]float64{rs[0].Date: 1, rs[7].Date: 8, rs[14].Date: 15}

	r := Validate(context.Background(), in, Thresholds{MinRows: 1})
	require.True(t, r.Blocked)
	require.Len(t, r.Blocking, 1)
	assert.Equal(t, "row_count", r.Blocking[0].Check)
	assert.Contains(t, r.Blocking[0].Message, "3 of 20 days")

	// Enough observations for a lower coverage floor.
	r = Validate(context.Background(), in, Thresholds{MinRows: 3, MinPriceCoverage: 0.15})
	assert.False(t, r.Blocked)

	// Observations outside the span do not count.
	in.Prices[rs[0].Date.AddDate(0, 0, -1)] = 1
	r = Validate(context.Background(), in, Thresholds{MinRows: 4, MinPriceCoverage: 0.15})
	assert.True(t, r.Blocked)
}

func TestValidate_PriceCoverageWithoutObservations(t *testing.T) {
	rs := rows(10)
	for i := 0; i < 6; i++ {
		rs[i].Values["px"] = model.Null()
	}
	r := Validate(context.Background(), input(rs), Thresholds{MaxNullRate: 1})
	require.True(t, r.Blocked)
	assert.Equal(t, "row_count", r.Blocking[0].Check)
	assert.Contains(t, r.Blocking[0].Message, "4 of 10 days")
}

func TestValidate_Warnings(t *testing.T) {
	rs := rows(10)
	for i := 0; i < 3; i++ {
		rs[i].Values["pmi"] = model.Null()
	}
	rs[9].Values["pmi"] = model.Some(140)

	in := input(rs)
	in.Gaps = []join.Gap{{SourceID: "weather", Fields: []string{"rain"}, Reason: "timeout"}}
	in.Dropped = map[string]int{"px": 2, "pmi": 0}

	r := Validate(context.Background(), in, Thresholds{MaxNullRate: 0.25})
	assert.False(t, r.Blocked)
	require.Len(t, r.Warnings, 4)
	assert.Equal(t, "null_rate", r.Warnings[0].Check)
	assert.Equal(t, "range", r.Warnings[1].Check)
	assert.Equal(t, "source_gaps", r.Warnings[2].Check)
	assert.Equal(t, "low_confidence", r.Warnings[3].Check)

	assert.Equal(t, []string{"pmi"}, r.Coverage.BelowCoverage)
	assert.Equal(t, []string{"weather"}, r.Coverage.SourceGaps)
	assert.InDelta(t, 0.3, r.Coverage.Fields["pmi"].NullRate, 1e-12)
	assert.Equal(t, 1, r.Coverage.Fields["pmi"].RangeViolations)
	assert.Len(t, r.Coverage.Warnings, 4)
	assert.Contains(t, r.String(), "below coverage: pmi")
}

func TestValidate_DefaultNullRate(t *testing.T) {
	rs := rows(10)
	for i := 0; i < 2; i++ {
		rs[i].Values["pmi"] = model.Null()
	}
	// 0.2 is not above the default threshold.
	r := Validate(context.Background(), input(rs), Thresholds{})
	assert.Empty(t, r.Coverage.BelowCoverage)

	rs[2].Values["pmi"] = model.Null()
	r = Validate(context.Background(), input(rs), Thresholds{})
	assert.Equal(t, []string{"pmi"}, r.Coverage.BelowCoverage)
}

func TestValidate_ReadOnly(t *testing.T) {
	rs := rows(4)
	before := rs[0].Values["px"]
	Validate(context.Background(), input(rs), Thresholds{})
	assert.Equal(t, before, rs[0].Values["px"])
	assert.Len(t, rs[0].Values, 2)
}

func TestValidate_SingleValueCoverage(t *testing.T) {
	rs := rows(3)
	rs[1].Values["pmi"] = model.Null()
	rs[2].Values["pmi"] = model.Null()
	r := Validate(context.Background(), input(rs), Thresholds{MaxNullRate: 1})
	assert.Equal(t, 50.0, r.Coverage.Fields["pmi"].Mean)
	assert.Equal(t, 0.0, r.Coverage.Fields["pmi"].StdDev)
}
