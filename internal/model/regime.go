package model

import "time"

// RegimeInterval declares a labeled historical market period and its
// training weight. Start and End are inclusive calendar days.
type RegimeInterval struct {
	Name   string    `json:"name"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Weight float64   `json:"weight"`
}

// Baseline is the regime assigned to days no interval covers.
type Baseline struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// DefaultBaseline is used when the regime config omits one.
var DefaultBaseline = Baseline{Name: "baseline", Weight: 1.0}

// RegimeConfig is the declarative regime configuration.
type RegimeConfig struct {
	Baseline  Baseline         `json:"baseline"`
	Intervals []RegimeInterval `json:"intervals"`
}

// CalendarEntry maps a single calendar day to its regime and weight.
type CalendarEntry struct {
	Date   time.Time `json:"date"`
	Regime string    `json:"regime"`
	Weight float64   `json:"weight"`
}
