package label

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/trainset/internal/model"
)

func day(n int) time.Time {
	return time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

// dailyRows returns n rows with a forward-filled px column equal to day
// index + 1.
func dailyRows(n int) []model.FeatureRow {
	rows := make([]model.FeatureRow, n)
	for i := range rows {
		rows[i] = model.NewFeatureRow(day(i))
		rows[i].Values["px"] = model.Some(float64(i + 1))
	}
	return rows
}

// dailyPrices returns observed prices for days [0, n) with price = index + 1.
func dailyPrices(n int) map[time.Time]float64 {
	out := make(map[time.Time]float64, n)
	for i := 0; i < n; i++ {
		out[day(i)] = float64(i + 1)
	}
	return out
}

func TestAttachTargets_StandardHorizons(t *testing.T) {
	const n = 400
	rows := dailyRows(n)
	horizons := []model.Horizon{7, 30, 90, 180, 365}

	out, err := AttachTargets(context.Background(), rows, horizons, dailyPrices(n), DefaultToleranceDays)
	require.NoError(t, err)
	require.Len(t, out, n)

	for _, h := range horizons {
		for i, r := range out {
			got := r.Targets[h]
			if i+h.Days() < n {
				require.True(t, got.Valid, "h=%d row %d", h, i)
				assert.Equal(t, float64(i+h.Days()+1), got.Float, "h=%d row %d", h, i)
			} else {
				assert.False(t, got.Valid, "h=%d row %d must be null past the data", h, i)
			}
		}
	}
	// Inputs are not mutated.
	assert.Empty(t, rows[0].Targets)
}

func TestAttachTargets_Tolerance(t *testing.T) {
	rows := dailyRows(20)
	prices := dailyPrices(20)
	// Weekend-style hole: days 9-11 have no price.
	for _, i := range []int{9, 10, 11} {
		delete(prices, day(i))
	}

	out, err := AttachTargets(context.Background(), rows, []model.Horizon{7}, prices, 3)
	require.NoError(t, err)
	// d=2 → day 9 missing, nearest later is day 12 (3 days later).
	assert.Equal(t, model.Some(13), out[2].Targets[7])
	// d=1 → day 8 present.
	assert.Equal(t, model.Some(9), out[1].Targets[7])

	out, err = AttachTargets(context.Background(), rows, []model.Horizon{7}, prices, 2)
	require.NoError(t, err)
	assert.False(t, out[2].Targets[7].Valid, "day 12 is outside a 2-day tolerance")
	assert.Equal(t, model.Some(13), out[3].Targets[7])
}

func TestAttachTargets_IgnoresFilledRowValues(t *testing.T) {
	// Rows carry a price on every day, but prices stop after day 19.
	rows := dailyRows(30)
	for i := 20; i < 30; i++ {
		rows[i].Values["px"] = model.Some(20)
	}

	out, err := AttachTargets(context.Background(), rows, []model.Horizon{7}, dailyPrices(20), 3)
	require.NoError(t, err)
	// d=12 → day 19 observed.
	assert.Equal(t, model.Some(20), out[12].Targets[7])
	// d=13..15 → days 20..22 are unobserved, day 19 lies before them.
	for i := 13; i < 30; i++ {
		assert.False(t, out[i].Targets[7].Valid, "row %d must not read a carried-forward price", i)
	}
}

func TestAttachTargets_NoInterpolation(t *testing.T) {
	rows := dailyRows(10)
	prices := dailyPrices(10)
	delete(prices, day(8))
	out, err := AttachTargets(context.Background(), rows, []model.Horizon{7}, prices, 0)
	require.NoError(t, err)
	assert.False(t, out[1].Targets[7].Valid)
	assert.Equal(t, model.Some(10), out[2].Targets[7])
}

func TestAttachTargets_IgnoresNonFinitePrices(t *testing.T) {
	rows := dailyRows(10)
	prices := dailyPrices(10)
	prices[day(7)] = math.Inf(1)
	out, err := AttachTargets(context.Background(), rows, []model.Horizon{7}, prices, 1)
	require.NoError(t, err)
	assert.Equal(t, model.Some(9), out[0].Targets[7])
}

func TestAttachTargets_NoPrices(t *testing.T) {
	out, err := AttachTargets(context.Background(), dailyRows(10), []model.Horizon{1}, nil, 3)
	require.NoError(t, err)
	for i, r := range out {
		assert.False(t, r.Targets[1].Valid, "row %d", i)
	}
}

func TestAttachTargets_KeepsExistingTargets(t *testing.T) {
	rows := dailyRows(10)
	prices := dailyPrices(10)
	first, err := AttachTargets(context.Background(), rows, []model.Horizon{7}, prices, 0)
	require.NoError(t, err)
	second, err := AttachTargets(context.Background(), first, []model.Horizon{1}, prices, 0)
	require.NoError(t, err)
	assert.Equal(t, model.Some(8), second[0].Targets[7])
	assert.Equal(t, model.Some(2), second[0].Targets[1])
}

func TestAttachTargets_Errors(t *testing.T) {
	rows := dailyRows(3)
	unordered := []model.FeatureRow{rows[1], rows[0]}

	tests := []struct {
		name     string
		rows     []model.FeatureRow
		horizons []model.Horizon
		tol      int
	}{
		{"no horizons", rows, nil, 3},
		{"negative tolerance", rows, []model.Horizon{7}, -1},
		{"bad horizon", rows, []model.Horizon{0}, 3},
		{"unordered", unordered, []model.Horizon{7}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := AttachTargets(context.Background(), tt.rows, tt.horizons, dailyPrices(3), tt.tol)
			var cfgErr *model.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestAttachTargets_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := AttachTargets(ctx, dailyRows(5), []model.Horizon{7, 30}, dailyPrices(5), 3)
	assert.ErrorIs(t, err, context.Canceled)
}
