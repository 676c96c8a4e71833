// Package join reconciles per-source records into one wide row per day with
// point-in-time semantics: a row never holds a value that was not yet known
// on its date.
package join

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/units"
)

// Gap records a source whose fields were null-filled for the whole run.
type Gap struct {
	SourceID string   `json:"source_id"`
	Fields   []string `json:"fields"`
	Reason   string   `json:"reason"`
}

// Result is the output of a join.
type Result struct {
	Rows []model.FeatureRow
	Gaps []Gap
	// Dropped counts records below their field's min_confidence, by field.
	Dropped map[string]int
	// Observed holds the winning visible value per known date for every
	// sourced field of a source that did not fail, before any fill.
	Observed map[string]map[time.Time]float64
	// Invisible counts records not yet known on the run's as-of date.
	Invisible  int
	Collisions int
	Converted  int
}

// Engine joins records against a field registry.
type Engine struct {
	fields *model.FieldRegistry
	units  *units.Registry
}

// NewEngine returns an engine. A nil unit registry means units.Default().
func NewEngine(fields *model.FieldRegistry, conv *units.Registry) *Engine {
	if conv == nil {
		conv = units.Default()
	}
	return &Engine{fields: fields, units: conv}
}

// observation is the winning record for one (field, known date).
type observation struct {
	known  time.Time
	value  float64
	ingest time.Time
	conf   float64
}

// beats applies the collision rule: latest ingest timestamp, then higher
// confidence, then larger value. The ordering is total, so the reduce does
// not depend on record order.
func (o observation) beats(other observation) bool {
	if !o.ingest.Equal(other.ingest) {
		return o.ingest.After(other.ingest)
	}
	if o.conf != other.conf {
		return o.conf > other.conf
	}
	return o.value > other.value
}

// Join builds one FeatureRow per day of r from outputs as visible on asOf.
// Regime and weight are left empty for the calendar to fill.
func (e *Engine) Join(ctx context.Context, outputs []model.SourceOutput, asOf time.Time, r model.DateRange) (*Result, error) {
	asOf = model.Day(asOf)
	if !r.Valid() {
		return nil, model.NewConfigError("invalid date range %s", r)
	}
	if r.End.After(asOf) {
		return nil, model.NewConfigError("date range %s ends after as-of date %s", r, asOf.Format(model.DateLayout))
	}

	res := &Result{Dropped: make(map[string]int)}
	obs, failed, err := e.reduce(outputs, asOf, res)
	if err != nil {
		return nil, err
	}
	res.Gaps = e.gaps(outputs, failed)
	res.Observed = observed(obs, e.fields, failed)

	lookback := e.lookback()
	days := model.DateRange{Start: r.Start.AddDate(0, 0, -lookback), End: r.End}.Days()

	base := e.baseFields()
	columns := make([][]model.Value, len(base))

	g, gctx := errgroup.WithContext(ctx)
	for i, fm := range base {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if failed[fm.Source] {
				columns[i] = make([]model.Value, len(days))
				return nil
			}
			columns[i] = fill(fm, obs[fm.Name], days)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byName := make(map[string][]model.Value, len(base))
	for i, fm := range base {
		byName[fm.Name] = columns[i]
	}
	for _, fm := range e.fields.Derived() {
		byName[fm.Name] = derive(*fm.Derive, byName[fm.Derive.Of])
	}

	res.Rows = make([]model.FeatureRow, 0, r.Len())
	for i, d := range days {
		if d.Before(r.Start) {
			continue
		}
		row := model.NewFeatureRow(d)
		for name, col := range byName {
			row.Values[name] = col[i]
		}
		res.Rows = append(res.Rows, row)
	}

	zap.L().Debug("join complete",
		zap.Int("rows", len(res.Rows)),
		zap.Int("fields", len(byName)),
		zap.Int("gaps", len(res.Gaps)),
		zap.Int("collisions", res.Collisions),
		zap.Int("invisible", res.Invisible),
	)
	return res, nil
}

// reduce validates every record and keeps the winning observation per
// (field, known date).
func (e *Engine) reduce(outputs []model.SourceOutput, asOf time.Time, res *Result) (map[string]map[time.Time]observation, map[string]bool, error) {
	obs := make(map[string]map[time.Time]observation)
	failed := make(map[string]bool)

	for _, out := range outputs {
		if out.Err != nil {
			failed[out.SourceID] = true
			continue
		}
		for _, rec := range out.Records {
			fm := e.fields.ByName(rec.FieldName)
			switch {
			case fm == nil:
				return nil, nil, model.NewConfigError("source %s emitted unregistered field %q", out.SourceID, rec.FieldName)
			case fm.Derived():
				return nil, nil, model.NewConfigError("source %s emitted derived field %q", out.SourceID, rec.FieldName)
			case rec.SourceID != out.SourceID || fm.Source != out.SourceID:
				return nil, nil, model.NewConfigError("field %q is owned by source %q, got record from %q", fm.Name, fm.Source, rec.SourceID)
			}

			known := fm.KnownDate(rec.AsOfDate)
			if known.After(asOf) {
				res.Invisible++
				continue
			}
			if rec.Confidence < fm.MinConfidence {
				res.Dropped[fm.Name]++
				continue
			}

			v, ok := e.units.Convert(rec.Value, rec.Unit, fm.Unit)
			if !ok {
				return nil, nil, &model.UnitMismatchError{SourceID: rec.SourceID, Field: fm.Name, Unit: rec.Unit, Canonical: fm.Unit}
			}
			if units.Normalize(rec.Unit) != units.Normalize(fm.Unit) {
				res.Converted++
			}

			o := observation{known: known, value: v, ingest: rec.IngestTimestamp, conf: rec.Confidence}
			byDate := obs[fm.Name]
			if byDate == nil {
				byDate = make(map[time.Time]observation)
				obs[fm.Name] = byDate
			}
			if cur, ok := byDate[known]; ok {
				res.Collisions++
				if !o.beats(cur) {
					continue
				}
			}
			byDate[known] = o
		}
	}
	return obs, failed, nil
}

func observed(obs map[string]map[time.Time]observation, fields *model.FieldRegistry, failed map[string]bool) map[string]map[time.Time]float64 {
	out := make(map[string]map[time.Time]float64, len(obs))
	for name, byDate := range obs {
		if failed[fields.ByName(name).Source] {
			continue
		}
		vals := make(map[time.Time]float64, len(byDate))
		for d, o := range byDate {
			vals[d] = o.value
		}
		out[name] = vals
	}
	return out
}

func (e *Engine) gaps(outputs []model.SourceOutput, failed map[string]bool) []Gap {
	errs := make(map[string]error, len(outputs))
	for _, out := range outputs {
		errs[out.SourceID] = out.Err
	}

	var gaps []Gap
	for _, src := range e.fields.Sources() {
		err, present := errs[src]
		switch {
		case !present:
			failed[src] = true
			gaps = append(gaps, Gap{SourceID: src, Fields: e.fields.BySource(src), Reason: "no adapter configured"})
		case err != nil:
			gaps = append(gaps, Gap{SourceID: src, Fields: e.fields.BySource(src), Reason: err.Error()})
		}
	}
	return gaps
}

func (e *Engine) baseFields() []*model.FieldMeta {
	var out []*model.FieldMeta
	for _, name := range e.fields.Names() {
		if fm := e.fields.ByName(name); !fm.Derived() {
			out = append(out, fm)
		}
	}
	return out
}

// lookback is how many days before the range start derived fields may read.
func (e *Engine) lookback() int {
	n := 0
	for _, fm := range e.fields.Derived() {
		n += max(fm.Derive.Window, 1)
	}
	return n
}

// fill materializes one field over days according to its fill policy.
func fill(fm *model.FieldMeta, byDate map[time.Time]observation, days []time.Time) []model.Value {
	col := make([]model.Value, len(days))
	if len(byDate) == 0 {
		if fm.Fill == model.FillZero {
			for i := range col {
				col[i] = model.Some(0)
			}
		}
		return col
	}

	switch fm.Fill {
	case model.FillForward, model.FillBoundedForward:
		known := make([]time.Time, 0, len(byDate))
		for d := range byDate {
			known = append(known, d)
		}
		sort.Slice(known, func(i, j int) bool { return known[i].Before(known[j]) })

		p := 0
		for i, d := range days {
			for p < len(known) && !known[p].After(d) {
				p++
			}
			if p == 0 {
				continue
			}
			last := known[p-1]
			if fm.Fill == model.FillBoundedForward && int(d.Sub(last).Hours()/24) > fm.MaxStalenessDays {
				continue
			}
			col[i] = model.Some(byDate[last].value)
		}
	case model.FillZero:
		for i, d := range days {
			if o, ok := byDate[d]; ok {
				col[i] = model.Some(o.value)
			} else {
				col[i] = model.Some(0)
			}
		}
	default:
		for i, d := range days {
			if o, ok := byDate[d]; ok {
				col[i] = model.Some(o.value)
			}
		}
	}
	return col
}
