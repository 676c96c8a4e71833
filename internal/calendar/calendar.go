// Package calendar maps every calendar day in a range to exactly one market
// regime and training weight.
//
// Overlap policy: when intervals overlap, the interval with the later Start
// wins; if starts are equal, the interval declared later wins. Days no
// interval covers get the baseline regime.
package calendar

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/trainset/internal/model"
)

// Validate checks intervals and baseline for malformed input.
func Validate(cfg model.RegimeConfig) error {
	var problems []string

	if cfg.Baseline.Name == "" {
		problems = append(problems, "baseline: empty name")
	}
	if !validWeight(cfg.Baseline.Weight) {
		problems = append(problems, fmt.Sprintf("baseline: invalid weight %v", cfg.Baseline.Weight))
	}

	weights := make(map[string]float64, len(cfg.Intervals))
	for i, iv := range cfg.Intervals {
		label := fmt.Sprintf("interval %d (%s)", i, iv.Name)
		if iv.Name == "" {
			problems = append(problems, label+": empty name")
		}
		if iv.Start.IsZero() || iv.End.IsZero() {
			problems = append(problems, label+": missing start or end")
		} else if model.Day(iv.End).Before(model.Day(iv.Start)) {
			problems = append(problems, label+": start after end")
		}
		if !validWeight(iv.Weight) {
			problems = append(problems, fmt.Sprintf("%s: invalid weight %v", label, iv.Weight))
		}
		if w, ok := weights[iv.Name]; ok && w != iv.Weight {
			problems = append(problems, fmt.Sprintf("%s: conflicting weights %v and %v", label, w, iv.Weight))
		}
		weights[iv.Name] = iv.Weight
	}
	if w, ok := weights[cfg.Baseline.Name]; ok && w != cfg.Baseline.Weight {
		problems = append(problems, fmt.Sprintf("baseline %s: conflicts with interval weight %v", cfg.Baseline.Name, w))
	}

	if len(problems) > 0 {
		return &model.ConfigError{Reason: "regimes: " + strings.Join(problems, "; ")}
	}
	return nil
}

func validWeight(w float64) bool {
	return w >= 0 && !math.IsNaN(w) && !math.IsInf(w, 0)
}

// Build emits one CalendarEntry per day in r. It is a pure function of its
// inputs and fails with *model.ConfigError on malformed configuration.
func Build(cfg model.RegimeConfig, r model.DateRange) ([]model.CalendarEntry, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if !r.Valid() {
		return nil, model.NewConfigError("calendar: invalid date range %s", r)
	}

	// Precedence order: ascending (Start, declaration index). Later entries
	// in this order override earlier ones.
	idx := make([]int, len(cfg.Intervals))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return model.Day(cfg.Intervals[idx[a]].Start).Before(model.Day(cfg.Intervals[idx[b]].Start))
	})

	days := r.Days()
	entries := make([]model.CalendarEntry, len(days))
	for i, d := range days {
		entries[i] = model.CalendarEntry{Date: d, Regime: cfg.Baseline.Name, Weight: cfg.Baseline.Weight}
	}

	for _, i := range idx {
		iv := cfg.Intervals[i]
		start, end := model.Day(iv.Start), model.Day(iv.End)
		if end.Before(r.Start) || start.After(r.End) {
			continue
		}
		if start.Before(r.Start) {
			start = r.Start
		}
		if end.After(r.End) {
			end = r.End
		}
		from := int(start.Sub(r.Start).Hours() / 24)
		to := int(end.Sub(r.Start).Hours() / 24)
		for j := from; j <= to; j++ {
			entries[j].Regime = iv.Name
			entries[j].Weight = iv.Weight
		}
	}
	return entries, nil
}

// Summarize counts days per regime.
func Summarize(entries []model.CalendarEntry) map[string]int {
	out := make(map[string]int)
	for _, e := range entries {
		out[e.Regime]++
	}
	return out
}

// Overlaps lists pairs of intervals that share at least one day, as
// "a/b" strings in declaration order. Used for diagnostics only; Build
// resolves overlaps deterministically regardless.
func Overlaps(intervals []model.RegimeInterval) []string {
	var out []string
	for i := 0; i < len(intervals); i++ {
		for j := i + 1; j < len(intervals); j++ {
			a, b := intervals[i], intervals[j]
			if !model.Day(a.End).Before(model.Day(b.Start)) && !model.Day(b.End).Before(model.Day(a.Start)) {
				out = append(out, a.Name+"/"+b.Name)
			}
		}
	}
	return out
}
