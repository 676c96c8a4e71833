// Package label attaches forward-looking price targets to feature rows.
package label

import (
	"context"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sells-group/trainset/internal/model"
)

// DefaultToleranceDays is how far past d+H a target may look for the next
// available price.
const DefaultToleranceDays = 3

// AttachTargets returns a copy of rows with Targets[h] set for every horizon.
// prices holds the observed price per day before any fill policy ran.
// target_H(d) is the price observed on d+H; when that day has none, the first
// price observed within toleranceDays after d+H; otherwise null. Rows must be
// sorted by date. Horizons are computed in parallel and merged by column.
func AttachTargets(ctx context.Context, rows []model.FeatureRow, horizons []model.Horizon, prices map[time.Time]float64, toleranceDays int) ([]model.FeatureRow, error) {
	if len(horizons) == 0 {
		return nil, model.NewConfigError("no horizons requested")
	}
	if toleranceDays < 0 {
		return nil, model.NewConfigError("negative target tolerance %d", toleranceDays)
	}
	for _, h := range horizons {
		if h.Days() <= 0 {
			return nil, model.NewConfigError("invalid horizon %d", h.Days())
		}
	}
	for i := 1; i < len(rows); i++ {
		if !rows[i].Date.After(rows[i-1].Date) {
			return nil, model.NewConfigError("rows not strictly ordered by date at %s", rows[i].Date.Format(model.DateLayout))
		}
	}

	index := priceIndex(prices)

	cols := make([][]model.Value, len(horizons))
	g, gctx := errgroup.WithContext(ctx)
	for i, h := range horizons {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cols[i] = targetColumn(rows, index, h, toleranceDays)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]model.FeatureRow, len(rows))
	for r, row := range rows {
		targets := make(map[model.Horizon]model.Value, len(row.Targets)+len(horizons))
		for h, v := range row.Targets {
			targets[h] = v
		}
		for i, h := range horizons {
			targets[h] = cols[i][r]
		}
		row.Targets = targets
		out[r] = row
	}
	return out, nil
}

type pricePoint struct {
	date  time.Time
	value float64
}

// priceIndex lists the finite prices in date order.
func priceIndex(prices map[time.Time]float64) []pricePoint {
	pts := make([]pricePoint, 0, len(prices))
	for d, v := range prices {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			pts = append(pts, pricePoint{date: model.Day(d), value: v})
		}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].date.Before(pts[j].date) })
	return pts
}

func targetColumn(rows []model.FeatureRow, prices []pricePoint, h model.Horizon, tolerance int) []model.Value {
	col := make([]model.Value, len(rows))
	for i, r := range rows {
		want := r.Date.AddDate(0, 0, h.Days())
		limit := want.AddDate(0, 0, tolerance)
		j := sort.Search(len(prices), func(k int) bool { return !prices[k].date.Before(want) })
		if j < len(prices) && !prices[j].date.After(limit) {
			col[i] = model.Some(prices[j].value)
		}
	}
	return col
}
