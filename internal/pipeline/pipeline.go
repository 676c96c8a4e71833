// Package pipeline drives one assembly run through its state machine:
// COLLECTING, JOINING, LABELING, VALIDATING, then BLOCKED or MATERIALIZED.
// Fatal errors end the run in FAILED.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/trainset/internal/calendar"
	"github.com/sells-group/trainset/internal/join"
	"github.com/sells-group/trainset/internal/label"
	"github.com/sells-group/trainset/internal/leakage"
	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/monitoring"
	"github.com/sells-group/trainset/internal/quality"
	"github.com/sells-group/trainset/internal/store"
	"github.com/sells-group/trainset/internal/surface"
	"github.com/sells-group/trainset/internal/units"
)

// Collector fetches source outputs for a window.
type Collector interface {
	Collect(ctx context.Context, window model.DateRange) ([]model.SourceOutput, error)
}

// Deps are the collaborators of a Pipeline. Metrics may be nil.
type Deps struct {
	Store      store.Store
	Collector  Collector
	Fields     *model.FieldRegistry
	Regimes    model.RegimeConfig
	Thresholds quality.Thresholds
	Surface    surface.Config
	Metrics    *monitoring.Metrics
}

// Pipeline assembles training snapshots.
type Pipeline struct {
	store        store.Store
	collector    Collector
	fields       *model.FieldRegistry
	regimes      model.RegimeConfig
	thresholds   quality.Thresholds
	engine       *join.Engine
	materializer *surface.Materializer
	metrics      *monitoring.Metrics
}

// New classifies every registered field and wires the phases together. It
// fails with *model.ConfigError when the registry cannot be classified or a
// declared unit conversion is invalid.
func New(d Deps) (*Pipeline, error) {
	if d.Store == nil || d.Collector == nil || d.Fields == nil {
		return nil, eris.New("pipeline: store, collector and fields are required")
	}
	classes, err := leakage.ClassifyAll(d.Fields)
	if err != nil {
		return nil, err
	}
	conv, err := units.FromRules(d.Fields.Conversions)
	if err != nil {
		return nil, err
	}
	if err := calendar.Validate(d.Regimes); err != nil {
		return nil, err
	}
	d.Surface.ExcludeFlaggedFromProd = d.Surface.ExcludeFlaggedFromProd || d.Thresholds.ExcludeFlaggedFromProd

	return &Pipeline{
		store:        d.Store,
		collector:    d.Collector,
		fields:       d.Fields,
		regimes:      d.Regimes,
		thresholds:   d.Thresholds,
		engine:       join.NewEngine(d.Fields, conv),
		materializer: surface.NewMaterializer(d.Fields, classes, d.Store, d.Surface),
		metrics:      d.Metrics,
	}, nil
}

// Result is the outcome of one run. It is returned alongside the error for
// BLOCKED and FAILED runs so callers can print the report.
type Result struct {
	RunID     string                    `json:"run_id"`
	State     model.RunState            `json:"state"`
	Range     model.DateRange           `json:"range"`
	Rows      int                       `json:"rows"`
	Gaps      []join.Gap                `json:"gaps,omitempty"`
	Report    *quality.ValidationReport `json:"report,omitempty"`
	Snapshots []*model.TrainingSnapshot `json:"snapshots,omitempty"`
	Error     string                    `json:"error,omitempty"`
}

// run carries one execution's bookkeeping.
type run struct {
	p     *Pipeline
	id    string
	res   *Result
	log   *zap.Logger
	state model.RunState
	since time.Time
}

// advance records the transition to next. State writes use a context that
// survives cancellation of the run itself.
func (r *run) advance(ctx context.Context, next model.RunState, errMsg string) error {
	if r.p.metrics != nil {
		r.p.metrics.ObservePhase(r.state, time.Since(r.since))
	}
	if err := r.p.store.UpdateRunState(context.WithoutCancel(ctx), r.id, next, errMsg); err != nil {
		return eris.Wrapf(err, "pipeline: record state %s", next)
	}
	r.log.Info("pipeline: state transition", zap.String("from", string(r.state)), zap.String("to", string(next)))
	r.state, r.since = next, time.Now()
	r.res.State = next
	if next.Terminal() && r.p.metrics != nil {
		r.p.metrics.ObserveRun(next)
	}
	return nil
}

// fail ends the run in FAILED and returns cause.
func (r *run) fail(ctx context.Context, cause error) (*Result, error) {
	r.res.Error = cause.Error()
	if err := r.advance(ctx, model.RunFailed, cause.Error()); err != nil {
		r.log.Error("pipeline: failed to record failure", zap.Error(err))
	}
	r.log.Error("pipeline: run failed", zap.Error(cause))
	return r.res, cause
}

// Run executes one assembly. A blocked run returns its result together with a
// *model.ValidationBlockedError; blocked runs are never retried.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	rec, err := p.store.CreateRun(ctx, opts.AsOf)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	r := &run{
		p:     p,
		id:    rec.ID,
		res:   &Result{RunID: rec.ID, State: rec.State},
		log:   zap.L().With(zap.String("run_id", rec.ID), zap.String("as_of", model.Day(opts.AsOf).Format(model.DateLayout))),
		state: rec.State,
		since: time.Now(),
	}
	r.log.Info("pipeline: starting assembly")

	opts, err = opts.resolve(p.fields)
	if err != nil {
		return r.fail(ctx, err)
	}
	r.res.Range = opts.Range()

	// ===== COLLECTING =====
	outputs, err := p.collector.Collect(ctx, opts.Window())
	if err != nil {
		return r.fail(ctx, err)
	}
	if err := r.boundary(ctx, model.RunJoining); err != nil {
		return r.fail(ctx, err)
	}

	// ===== JOINING =====
	joined, err := p.engine.Join(ctx, outputs, opts.AsOf, opts.Range())
	if err != nil {
		return r.fail(ctx, err)
	}
	r.res.Gaps = joined.Gaps
	for _, g := range joined.Gaps {
		r.log.Warn("pipeline: source gap", zap.String("source", g.SourceID), zap.Strings("fields", g.Fields), zap.String("reason", g.Reason))
	}
	entries, err := calendar.Build(p.regimes, opts.Range())
	if err != nil {
		return r.fail(ctx, err)
	}
	prices := joined.Observed[opts.PriceField]
	if prices == nil {
		prices = map[time.Time]float64{}
	}
	rows, err := attachRegimes(joined.Rows, entries)
	if err != nil {
		return r.fail(ctx, err)
	}
	if err := r.boundary(ctx, model.RunLabeling); err != nil {
		return r.fail(ctx, err)
	}

	// ===== LABELING =====
	rows, err = label.AttachTargets(ctx, rows, opts.Horizons, prices, opts.ToleranceDays)
	if err != nil {
		return r.fail(ctx, err)
	}
	r.res.Rows = len(rows)
	if err := r.boundary(ctx, model.RunValidating); err != nil {
		return r.fail(ctx, err)
	}

	// ===== VALIDATING =====
	report := quality.Validate(ctx, quality.Input{
		Rows:       rows,
		Fields:     p.fields,
		PriceField: opts.PriceField,
		Span:       opts.Range(),
		Prices:     prices,
		Gaps:       joined.Gaps,
		Dropped:    joined.Dropped,
	}, p.thresholds)
	r.res.Report = report
	if report.Blocked {
		blocked := report.Err()
		r.res.Error = blocked.Error()
		if err := r.advance(ctx, model.RunBlocked, blocked.Error()); err != nil {
			return r.res, err
		}
		r.log.Warn("pipeline: run blocked", zap.Int("blocking_issues", len(report.Blocking)))
		return r.res, blocked
	}
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, err)
	}

	// ===== MATERIALIZING =====
	snaps, err := p.materializeAll(ctx, r.id, rows, opts, report)
	if err != nil {
		return r.fail(ctx, err)
	}
	r.res.Snapshots = snaps
	if err := r.advance(ctx, model.RunMaterialized, ""); err != nil {
		return r.res, err
	}
	r.log.Info("pipeline: run materialized", zap.Int("snapshots", len(snaps)), zap.Int("rows", len(rows)))
	return r.res, nil
}

// boundary checks for cancellation before entering next.
func (r *run) boundary(ctx context.Context, next model.RunState) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrapf(err, "pipeline: cancelled before %s", next)
	}
	return r.advance(ctx, next, "")
}

// materializeAll writes every (surface, horizon) snapshot concurrently.
// Results are ordered by surface, then horizon.
func (p *Pipeline) materializeAll(ctx context.Context, runID string, rows []model.FeatureRow, opts Options, report *quality.ValidationReport) ([]*model.TrainingSnapshot, error) {
	var mu sync.Mutex
	var snaps []*model.TrainingSnapshot

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range opts.Surfaces {
		for _, h := range opts.Horizons {
			g.Go(func() error {
				snap, err := p.materializer.Materialize(gctx, runID, rows, s, h, opts.Version, report)
				if err != nil {
					return err
				}
				if p.metrics != nil {
					p.metrics.ObserveSnapshot(snap)
				}
				mu.Lock()
				snaps = append(snaps, snap)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Surface != snaps[j].Surface {
			return snaps[i].Surface > snaps[j].Surface // prod before full
		}
		return snaps[i].Horizon < snaps[j].Horizon
	})
	return snaps, nil
}

// attachRegimes copies each row's regime and weight from the calendar.
func attachRegimes(rows []model.FeatureRow, entries []model.CalendarEntry) ([]model.FeatureRow, error) {
	byDate := make(map[time.Time]model.CalendarEntry, len(entries))
	for _, e := range entries {
		byDate[e.Date] = e
	}
	out := make([]model.FeatureRow, len(rows))
	for i, row := range rows {
		e, ok := byDate[row.Date]
		if !ok {
			return nil, model.NewConfigError("calendar has no entry for %s", row.Date.Format(model.DateLayout))
		}
		row.Regime, row.Weight = e.Regime, e.Weight
		out[i] = row
	}
	return out, nil
}

// IsBlocked reports whether err ended a run in BLOCKED.
func IsBlocked(err error) bool {
	var blocked *model.ValidationBlockedError
	return errors.As(err, &blocked)
}
