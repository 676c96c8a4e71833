// Package quality runs the pre-materialization checks. Blocking failures
// stop a run in BLOCKED; everything else is recorded in the snapshot's
// coverage summary.
package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/trainset/internal/join"
	"github.com/sells-group/trainset/internal/model"
)

// Thresholds configures the gate.
type Thresholds struct {
	// MinRows is the fewest days of the requested span that must carry an
	// observed price. Default: 1.
	MinRows int `yaml:"min_rows" mapstructure:"min_rows"`
	// MinPriceCoverage is the fraction of the requested span that must carry
	// an observed price. Default: 0.5.
	MinPriceCoverage float64 `yaml:"min_price_coverage" mapstructure:"min_price_coverage"`
	// MaxNullRate flags fields whose null fraction exceeds it. Default: 0.2.
	MaxNullRate float64 `yaml:"max_null_rate" mapstructure:"max_null_rate"`
	// ExcludeFlaggedFromProd drops flagged fields from the prod surface.
	ExcludeFlaggedFromProd bool `yaml:"exclude_flagged_from_prod" mapstructure:"exclude_flagged_from_prod"`
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MinRows <= 0 {
		t.MinRows = 1
	}
	if t.MaxNullRate <= 0 {
		t.MaxNullRate = 0.2
	}
	if t.MinPriceCoverage <= 0 {
		t.MinPriceCoverage = 0.5
	}
	return t
}

// Input is everything the gate inspects. It is never modified.
type Input struct {
	Rows       []model.FeatureRow
	Fields     *model.FieldRegistry
	PriceField string
	// Span is the requested row range. Zero means the span of Rows.
	Span model.DateRange
	// Prices are the observed prices before fill. Nil means the price column
	// of Rows is used as is.
	Prices  map[time.Time]float64
	Gaps    []join.Gap
	Dropped map[string]int
}

// Issue is one check finding.
type Issue struct {
	Check    string `json:"check"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// ValidationReport is the outcome of Validate.
type ValidationReport struct {
	Blocked  bool                  `json:"blocked"`
	RowCount int                   `json:"row_count"`
	Blocking []Issue               `json:"blocking,omitempty"`
	Warnings []Issue               `json:"warnings,omitempty"`
	Coverage model.CoverageSummary `json:"coverage"`
}

// Err returns a *model.ValidationBlockedError when the report is blocked.
func (r *ValidationReport) Err() error {
	if !r.Blocked {
		return nil
	}
	reasons := make([]string, len(r.Blocking))
	for i, is := range r.Blocking {
		reasons[i] = is.Message
	}
	return &model.ValidationBlockedError{Reasons: reasons, Report: r}
}

// String renders the report for terminal output.
func (r *ValidationReport) String() string {
	var b strings.Builder
	status := "PASSED"
	if r.Blocked {
		status = "BLOCKED"
	}
	fmt.Fprintf(&b, "Validation %s (%d rows)\n", status, r.RowCount)
	for _, is := range r.Blocking {
		fmt.Fprintf(&b, "  [blocking] %s: %s\n", is.Check, is.Message)
	}
	for _, is := range r.Warnings {
		fmt.Fprintf(&b, "  [warning]  %s: %s\n", is.Check, is.Message)
	}
	if len(r.Coverage.BelowCoverage) > 0 {
		fmt.Fprintf(&b, "  below coverage: %s\n", strings.Join(r.Coverage.BelowCoverage, ", "))
	}
	return b.String()
}

type check struct {
	name string
	fn   func(in Input, th Thresholds) []Issue
}

var checks = []check{
	{"duplicate_dates", checkDuplicateDates},
	{"price", checkPrice},
	{"row_count", checkRowCount},
	{"null_rate", checkNullRates},
	{"range", checkRanges},
	{"source_gaps", checkGaps},
	{"low_confidence", checkDropped},
}

// Validate runs every check concurrently and assembles the report. Check
// order in the report is fixed regardless of completion order.
func Validate(ctx context.Context, in Input, th Thresholds) *ValidationReport {
	th = th.withDefaults()
	start := time.Now()

	results := make([][]Issue, len(checks))
	var coverage map[string]model.FieldCoverage

	g, _ := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			results[i] = c.fn(in, th)
			return nil
		})
	}
	g.Go(func() error {
		coverage = fieldCoverage(in)
		return nil
	})
	_ = g.Wait()

	report := &ValidationReport{RowCount: len(in.Rows)}
	for _, issues := range results {
		for _, is := range issues {
			if is.Blocking {
				report.Blocking = append(report.Blocking, is)
			} else {
				report.Warnings = append(report.Warnings, is)
			}
		}
	}
	report.Blocked = len(report.Blocking) > 0

	report.Coverage = model.CoverageSummary{Fields: coverage}
	for i, c := range checks {
		if c.name != "null_rate" {
			continue
		}
		for _, is := range results[i] {
			report.Coverage.BelowCoverage = append(report.Coverage.BelowCoverage, is.Field)
		}
	}
	for _, gap := range in.Gaps {
		report.Coverage.SourceGaps = append(report.Coverage.SourceGaps, gap.SourceID)
	}
	for _, is := range report.Warnings {
		report.Coverage.Warnings = append(report.Coverage.Warnings, is.Check+": "+is.Message)
	}

	zap.L().Info("quality gate complete",
		zap.Bool("blocked", report.Blocked),
		zap.Int("blocking", len(report.Blocking)),
		zap.Int("warnings", len(report.Warnings)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report
}

func checkDuplicateDates(in Input, _ Thresholds) []Issue {
	seen := make(map[time.Time]bool, len(in.Rows))
	var dups []string
	for _, r := range in.Rows {
		if seen[r.Date] {
			dups = append(dups, r.Date.Format(model.DateLayout))
		}
		seen[r.Date] = true
	}
	if len(dups) == 0 {
		return nil
	}
	return []Issue{{Check: "duplicate_dates", Blocking: true,
		Message: fmt.Sprintf("%d duplicate dates: %s", len(dups), strings.Join(dups, ", "))}}
}

func checkPrice(in Input, _ Thresholds) []Issue {
	block := func(msg string) []Issue {
		return []Issue{{Check: "price", Field: in.PriceField, Message: msg, Blocking: true}}
	}
	if in.PriceField == "" || in.Fields == nil || in.Fields.ByName(in.PriceField) == nil {
		return block(fmt.Sprintf("price field %q is not registered", in.PriceField))
	}

	var valid, nonFinite, nonPositive int
	for _, r := range in.Rows {
		v := r.Get(in.PriceField)
		if !v.Valid {
			continue
		}
		valid++
		switch {
		case !v.Finite():
			nonFinite++
		case v.Float <= 0:
			nonPositive++
		}
	}

	var issues []Issue
	if valid == 0 {
		return block(fmt.Sprintf("price field %q is null on every row", in.PriceField))
	}
	if nonFinite > 0 {
		issues = append(issues, block(fmt.Sprintf("price field %q has %d non-finite values", in.PriceField, nonFinite))...)
	}
	if nonPositive > 0 {
		issues = append(issues, block(fmt.Sprintf("price field %q has %d non-positive values", in.PriceField, nonPositive))...)
	}
	return issues
}

func checkRowCount(in Input, th Thresholds) []Issue {
	span := in.Span
	if span.Start.IsZero() && len(in.Rows) > 0 {
		span = model.NewDateRange(in.Rows[0].Date, in.Rows[len(in.Rows)-1].Date)
	}
	days := span.Len()

	priced := 0
	if in.Prices != nil {
		for d, v := range in.Prices {
			if !math.IsNaN(v) && !math.IsInf(v, 0) && span.Contains(d) {
				priced++
			}
		}
	} else {
		for _, r := range in.Rows {
			if r.Get(in.PriceField).Finite() {
				priced++
			}
		}
	}

	var coverage float64
	if days > 0 {
		coverage = float64(priced) / float64(days)
	}
	if priced >= th.MinRows && coverage >= th.MinPriceCoverage {
		return nil
	}
	return []Issue{{Check: "row_count", Field: in.PriceField, Blocking: true,
		Message: fmt.Sprintf("%d of %d days in %s carry a price (%.3f), minimum is %d days and %.3f",
			priced, days, span, coverage, th.MinRows, th.MinPriceCoverage)}}
}

// featureNames lists the registered fields that appear as row values.
func featureNames(in Input) []string {
	if in.Fields == nil {
		return nil
	}
	return in.Fields.Names()
}

func checkNullRates(in Input, th Thresholds) []Issue {
	if len(in.Rows) == 0 {
		return nil
	}
	var issues []Issue
	for _, name := range featureNames(in) {
		rate := nullRate(in.Rows, name)
		if rate > th.MaxNullRate {
			issues = append(issues, Issue{Check: "null_rate", Field: name,
				Message: fmt.Sprintf("%s null rate %.3f exceeds %.3f", name, rate, th.MaxNullRate)})
		}
	}
	return issues
}

func checkRanges(in Input, _ Thresholds) []Issue {
	var issues []Issue
	for _, name := range featureNames(in) {
		fm := in.Fields.ByName(name)
		if fm.Range == nil {
			continue
		}
		if n := rangeViolations(in.Rows, fm); n > 0 {
			issues = append(issues, Issue{Check: "range", Field: name,
				Message: fmt.Sprintf("%s has %d values outside its declared range", name, n)})
		}
	}
	return issues
}

func checkGaps(in Input, _ Thresholds) []Issue {
	issues := make([]Issue, 0, len(in.Gaps))
	for _, g := range in.Gaps {
		issues = append(issues, Issue{Check: "source_gaps",
			Message: fmt.Sprintf("source %s unavailable (%s); null-filled %s", g.SourceID, g.Reason, strings.Join(g.Fields, ", "))})
	}
	return issues
}

func checkDropped(in Input, _ Thresholds) []Issue {
	names := make([]string, 0, len(in.Dropped))
	for name, n := range in.Dropped {
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	issues := make([]Issue, 0, len(names))
	for _, name := range names {
		issues = append(issues, Issue{Check: "low_confidence", Field: name,
			Message: fmt.Sprintf("%s: dropped %d low-confidence records", name, in.Dropped[name])})
	}
	return issues
}

func nullRate(rows []model.FeatureRow, field string) float64 {
	if len(rows) == 0 {
		return 0
	}
	var nulls int
	for _, r := range rows {
		if !r.Get(field).Valid {
			nulls++
		}
	}
	return float64(nulls) / float64(len(rows))
}

func rangeViolations(rows []model.FeatureRow, fm *model.FieldMeta) int {
	var n int
	for _, r := range rows {
		if v := r.Get(fm.Name); v.Finite() && !fm.Range.Contains(v.Float) {
			n++
		}
	}
	return n
}

// fieldCoverage computes per-field null rate, mean and sample standard
// deviation over finite values.
func fieldCoverage(in Input) map[string]model.FieldCoverage {
	out := make(map[string]model.FieldCoverage)
	for _, name := range featureNames(in) {
		var xs []float64
		for _, r := range in.Rows {
			if v := r.Get(name); v.Finite() {
				xs = append(xs, v.Float)
			}
		}
		fc := model.FieldCoverage{NullRate: nullRate(in.Rows, name)}
		switch len(xs) {
		case 0:
		case 1:
			fc.Mean = xs[0]
		default:
			fc.Mean, fc.StdDev = stat.MeanStdDev(xs, nil)
		}
		if math.IsNaN(fc.StdDev) {
			fc.StdDev = 0
		}
		if fm := in.Fields.ByName(name); fm.Range != nil {
			fc.RangeViolations = rangeViolations(in.Rows, fm)
		}
		out[name] = fc
	}
	return out
}
