package calendar

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trainset/internal/model"
)

func d(s string) time.Time {
	t, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestBuild_OneEntryPerDay(t *testing.T) {
	cfg := model.RegimeConfig{
		Baseline: model.DefaultBaseline,
		Intervals: []model.RegimeInterval{
			{Name: "bull", Start: d("2024-01-01"), End: d("2024-01-15"), Weight: 1.5},
			{Name: "bear", Start: d("2024-01-16"), End: d("2024-01-31"), Weight: 0.5},
		},
	}
	entries, err := Build(cfg, model.NewDateRange(d("2024-01-01"), d("2024-01-31")))
	require.NoError(t, err)
	require.Len(t, entries, 31)

	for i, e := range entries {
		assert.Equal(t, d("2024-01-01").AddDate(0, 0, i), e.Date)
		if i < 15 {
			assert.Equal(t, "bull", e.Regime)
			assert.InDelta(t, 1.5, e.Weight, 1e-12)
		} else {
			assert.Equal(t, "bear", e.Regime)
			assert.InDelta(t, 0.5, e.Weight, 1e-12)
		}
	}
}

func TestBuild_GapsUseBaseline(t *testing.T) {
	cfg := model.RegimeConfig{
		Baseline:  model.Baseline{Name: "calm", Weight: 0.8},
		Intervals: []model.RegimeInterval{{Name: "shock", Start: d("2024-03-05"), End: d("2024-03-06"), Weight: 3}},
	}
	entries, err := Build(cfg, model.NewDateRange(d("2024-03-01"), d("2024-03-10")))
	require.NoError(t, err)
	require.Len(t, entries, 10)

	assert.Equal(t, map[string]int{"calm": 8, "shock": 2}, Summarize(entries))
	assert.Equal(t, "calm", entries[0].Regime)
	assert.InDelta(t, 0.8, entries[0].Weight, 1e-12)
	assert.Equal(t, "shock", entries[4].Regime)
}

func TestBuild_OverlapLaterStartWins(t *testing.T) {
	cfg := model.RegimeConfig{
		Baseline: model.DefaultBaseline,
		Intervals: []model.RegimeInterval{
			{Name: "inner", Start: d("2024-01-10"), End: d("2024-01-12"), Weight: 5},
			{Name: "outer", Start: d("2024-01-01"), End: d("2024-01-31"), Weight: 2},
		},
	}
	entries, err := Build(cfg, model.NewDateRange(d("2024-01-01"), d("2024-01-31")))
	require.NoError(t, err)

	// Declaration order must not matter: inner starts later, so it wins.
	assert.Equal(t, "outer", entries[8].Regime)
	assert.Equal(t, "inner", entries[9].Regime)
	assert.Equal(t, "inner", entries[11].Regime)
	assert.Equal(t, "outer", entries[12].Regime)
	assert.Equal(t, []string{"inner/outer"}, Overlaps(cfg.Intervals))
}

func TestBuild_OverlapEqualStartLaterDeclaredWins(t *testing.T) {
	cfg := model.RegimeConfig{
		Baseline: model.DefaultBaseline,
		Intervals: []model.RegimeInterval{
			{Name: "first", Start: d("2024-01-01"), End: d("2024-01-10"), Weight: 1},
			{Name: "second", Start: d("2024-01-01"), End: d("2024-01-05"), Weight: 2},
		},
	}
	entries, err := Build(cfg, model.NewDateRange(d("2024-01-01"), d("2024-01-10")))
	require.NoError(t, err)
	assert.Equal(t, "second", entries[0].Regime)
	assert.Equal(t, "second", entries[4].Regime)
	assert.Equal(t, "first", entries[5].Regime)
}

func TestBuild_ClipsToRange(t *testing.T) {
	cfg := model.RegimeConfig{
		Baseline:  model.DefaultBaseline,
		Intervals: []model.RegimeInterval{{Name: "long", Start: d("2023-01-01"), End: d("2025-01-01"), Weight: 2}},
	}
	entries, err := Build(cfg, model.NewDateRange(d("2024-06-01"), d("2024-06-03")))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, "long", e.Regime)
	}
}

func TestBuild_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  model.RegimeConfig
		want string
	}{
		{
			name: "start after end",
			cfg: model.RegimeConfig{Baseline: model.DefaultBaseline, Intervals: []model.RegimeInterval{
				{Name: "x", Start: d("2024-02-01"), End: d("2024-01-01"), Weight: 1},
			}},
			want: "start after end",
		},
		{
			name: "conflicting weights",
			cfg: model.RegimeConfig{Baseline: model.DefaultBaseline, Intervals: []model.RegimeInterval{
				{Name: "x", Start: d("2024-01-01"), End: d("2024-01-02"), Weight: 1},
				{Name: "x", Start: d("2024-02-01"), End: d("2024-02-02"), Weight: 2},
			}},
			want: "conflicting weights",
		},
		{
			name: "negative weight",
			cfg: model.RegimeConfig{Baseline: model.DefaultBaseline, Intervals: []model.RegimeInterval{
				{Name: "x", Start: d("2024-01-01"), End: d("2024-01-02"), Weight: -1},
			}},
			want: "invalid weight",
		},
		{
			name: "nan weight",
			cfg: model.RegimeConfig{Baseline: model.DefaultBaseline, Intervals: []model.RegimeInterval{
				{Name: "x", Start: d("2024-01-01"), End: d("2024-01-02"), Weight: math.NaN()},
			}},
			want: "invalid weight",
		},
		{
			name: "empty baseline",
			cfg:  model.RegimeConfig{},
			want: "baseline: empty name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.cfg, model.NewDateRange(d("2024-01-01"), d("2024-01-31")))
			var cfgErr *model.ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuild_RepeatedRegimeSameWeightAllowed(t *testing.T) {
	cfg := model.RegimeConfig{Baseline: model.DefaultBaseline, Intervals: []model.RegimeInterval{
		{Name: "drought", Start: d("2021-06-01"), End: d("2021-06-30"), Weight: 2},
		{Name: "drought", Start: d("2022-06-01"), End: d("2022-06-30"), Weight: 2},
	}}
	_, err := Build(cfg, model.NewDateRange(d("2021-01-01"), d("2022-12-31")))
	assert.NoError(t, err)
}

func TestBuild_InvalidRange(t *testing.T) {
	_, err := Build(model.RegimeConfig{Baseline: model.DefaultBaseline}, model.NewDateRange(d("2024-02-01"), d("2024-01-01")))
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

// Randomized gap- and overlap-free configurations: each day's weight must
// match its containing interval.
func TestBuild_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for trial := 0; trial < 50; trial++ {
		start := d("2020-01-01").AddDate(0, 0, rng.IntN(500))
		cursor := start
		var intervals []model.RegimeInterval
		for k := 0; k < 1+rng.IntN(6); k++ {
			length := 1 + rng.IntN(40)
			end := cursor.AddDate(0, 0, length-1)
			intervals = append(intervals, model.RegimeInterval{
				Name:   string(rune('a' + k)),
				Start:  cursor,
				End:    end,
				Weight: float64(1 + rng.IntN(9)),
			})
			cursor = end.AddDate(0, 0, 1)
		}
		rng.Shuffle(len(intervals), func(i, j int) { intervals[i], intervals[j] = intervals[j], intervals[i] })

		r := model.NewDateRange(start, cursor.AddDate(0, 0, -1))
		entries, err := Build(model.RegimeConfig{Baseline: model.DefaultBaseline, Intervals: intervals}, r)
		require.NoError(t, err)
		require.Len(t, entries, r.Len())

		for _, e := range entries {
			var owner *model.RegimeInterval
			for i := range intervals {
				if model.NewDateRange(intervals[i].Start, intervals[i].End).Contains(e.Date) {
					owner = &intervals[i]
				}
			}
			require.NotNil(t, owner)
			assert.Equal(t, owner.Name, e.Regime)
			assert.Equal(t, owner.Weight, e.Weight)
		}
	}
}
