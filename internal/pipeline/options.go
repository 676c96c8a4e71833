package pipeline

import (
	"sort"
	"time"

	"github.com/sells-group/trainset/internal/model"
)

// DefaultHistoryDays is how much history before the first row is fetched to
// seed forward fill and derived windows.
const DefaultHistoryDays = 90

// Options parameterize one run.
type Options struct {
	// AsOf is the point-in-time cut: rows run through it and no record
	// known after it is visible.
	AsOf time.Time
	// Start is the first row date. Zero means AsOf minus Days plus one.
	Start time.Time
	// Days is the row count used when Start is zero.
	Days          int
	HistoryDays   int
	Horizons      []model.Horizon
	Surfaces      []model.Surface
	Version       string
	PriceField    string
	ToleranceDays int
}

// DefaultVersion derives a version label from the as-of date.
func DefaultVersion(asOf time.Time) string {
	return "v" + model.Day(asOf).Format("20060102")
}

// resolve fills defaults and validates against the field registry.
func (o Options) resolve(fields *model.FieldRegistry) (Options, error) {
	if o.AsOf.IsZero() {
		return o, model.NewConfigError("as-of date is required")
	}
	o.AsOf = model.Day(o.AsOf)
	if o.Start.IsZero() {
		if o.Days <= 0 {
			return o, model.NewConfigError("either a start date or a positive day count is required")
		}
		o.Start = o.AsOf.AddDate(0, 0, -(o.Days - 1))
	}
	o.Start = model.Day(o.Start)
	if o.Start.After(o.AsOf) {
		return o, model.NewConfigError("start %s is after as-of %s",
			o.Start.Format(model.DateLayout), o.AsOf.Format(model.DateLayout))
	}
	if o.HistoryDays <= 0 {
		o.HistoryDays = DefaultHistoryDays
	}
	if o.ToleranceDays < 0 {
		return o, model.NewConfigError("negative target tolerance %d", o.ToleranceDays)
	}
	if o.Version == "" {
		o.Version = DefaultVersion(o.AsOf)
	}

	if len(o.Horizons) == 0 {
		return o, model.NewConfigError("no horizons requested")
	}
	o.Horizons = dedupeHorizons(o.Horizons)
	if len(o.Surfaces) == 0 {
		o.Surfaces = []model.Surface{model.SurfaceProd, model.SurfaceFull}
	}
	for _, s := range o.Surfaces {
		if _, err := model.ParseSurface(string(s)); err != nil {
			return o, err
		}
	}

	price := fields.ByName(o.PriceField)
	if price == nil {
		return o, model.NewConfigError("price field %q is not registered", o.PriceField)
	}
	if price.Derived() {
		return o, model.NewConfigError("price field %q must be sourced, not derived", o.PriceField)
	}
	return o, nil
}

// Range is the span of emitted rows.
func (o Options) Range() model.DateRange {
	return model.NewDateRange(o.Start, o.AsOf)
}

// Window is the span of records requested from sources.
func (o Options) Window() model.DateRange {
	return model.NewDateRange(o.Start.AddDate(0, 0, -o.HistoryDays), o.AsOf)
}

func dedupeHorizons(hs []model.Horizon) []model.Horizon {
	seen := make(map[model.Horizon]bool, len(hs))
	out := make([]model.Horizon, 0, len(hs))
	for _, h := range hs {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
