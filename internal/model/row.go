package model

import (
	"strconv"
	"time"
)

// FeatureRow is the wide per-date record produced by the join and labeling
// phases. Targets are keyed by horizon.
type FeatureRow struct {
	Date    time.Time
	Regime  string
	Weight  float64
	Values  map[string]Value
	Targets map[Horizon]Value
}

// NewFeatureRow returns an empty row for date d.
func NewFeatureRow(d time.Time) FeatureRow {
	return FeatureRow{
		Date:    Day(d),
		Values:  make(map[string]Value),
		Targets: make(map[Horizon]Value),
	}
}

// Get returns the value of field, or null if absent.
func (r FeatureRow) Get(field string) Value {
	return r.Values[field]
}

// Horizon is a forward prediction distance in calendar days.
type Horizon int

var horizonLabels = map[Horizon]string{
	7:   "1w",
	30:  "1m",
	90:  "3m",
	180: "6m",
	365: "12m",
}

var horizonByLabel = map[string]Horizon{
	"1w":  7,
	"1m":  30,
	"3m":  90,
	"6m":  180,
	"12m": 365,
}

// Days returns the horizon length in days.
func (h Horizon) Days() int {
	return int(h)
}

// String returns the short label ("1w", "3m") or "<n>d" for nonstandard horizons.
func (h Horizon) String() string {
	if l, ok := horizonLabels[h]; ok {
		return l
	}
	return strconv.Itoa(int(h)) + "d"
}

// Column returns the snapshot column name of the horizon's target.
func (h Horizon) Column() string {
	return "target_" + strconv.Itoa(int(h))
}

// ParseHorizon accepts a label ("1w", "1m", "3m", "6m", "12m"), a day count
// ("30") or a day-suffixed count ("30d").
func ParseHorizon(s string) (Horizon, error) {
	if h, ok := horizonByLabel[s]; ok {
		return h, nil
	}
	raw := s
	if n := len(raw); n > 1 && raw[n-1] == 'd' {
		raw = raw[:n-1]
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &ConfigError{Reason: "invalid horizon " + strconv.Quote(s) + " (valid: 1w, 1m, 3m, 6m, 12m or a positive day count)"}
	}
	return Horizon(n), nil
}
