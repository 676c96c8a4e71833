package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trainset/internal/config"
	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/pipeline"
)

// assembleFlags are the raw command-line values of assemble.
type assembleFlags struct {
	Surfaces []string
	Horizons []string
	AsOf     string
	Start    string
	Days     int
	History  int
	Version  string
	JSON     bool
}

var assembleOpts assembleFlags

var assembleCmd = &cobra.Command{
	Use:   "assemble",
	Short: "Assemble and materialize training snapshots",
	Long: "Runs one assembly as of a date: collects sources, joins without lookahead, labels targets, " +
		"validates, and writes one snapshot per surface and horizon. Exits 2 when the quality gate blocks the run.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		opts, err := buildOptions(assembleOpts, cfg.Assemble, time.Now())
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, runErr := env.Pipeline.Run(ctx, opts)
		if res != nil {
			if assembleOpts.JSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return eris.Wrap(err, "encode result")
				}
			} else {
				formatResult(os.Stdout, res)
			}
		}

		if err := env.Metrics.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
			zap.L().Warn("failed to write metrics textfile", zap.Error(err))
		}
		return runErr
	},
}

// buildOptions turns flags and config defaults into run options. Flags win
// over config; an empty --as-of means today.
func buildOptions(f assembleFlags, ac config.AssembleConfig, now time.Time) (pipeline.Options, error) {
	opts := pipeline.Options{
		Days:          ac.LookbackDays,
		HistoryDays:   f.History,
		Version:       ac.Version,
		PriceField:    ac.PriceField,
		ToleranceDays: ac.ToleranceDays,
	}
	if f.Days > 0 {
		opts.Days = f.Days
	}
	if f.Version != "" {
		opts.Version = f.Version
	}

	opts.AsOf = model.Day(now)
	if f.AsOf != "" {
		d, err := model.ParseDate(f.AsOf)
		if err != nil {
			return opts, &model.ConfigError{Reason: "invalid --as-of", Err: err}
		}
		opts.AsOf = d
	}
	if f.Start != "" {
		d, err := model.ParseDate(f.Start)
		if err != nil {
			return opts, &model.ConfigError{Reason: "invalid --start", Err: err}
		}
		opts.Start = d
	}

	horizons := ac.Horizons
	if len(f.Horizons) > 0 {
		horizons = f.Horizons
	}
	for _, s := range horizons {
		h, err := model.ParseHorizon(strings.TrimSpace(s))
		if err != nil {
			return opts, err
		}
		opts.Horizons = append(opts.Horizons, h)
	}

	surfaces := ac.Surfaces
	if len(f.Surfaces) > 0 {
		surfaces = f.Surfaces
	}
	for _, s := range surfaces {
		surf, err := model.ParseSurface(strings.TrimSpace(s))
		if err != nil {
			return opts, err
		}
		opts.Surfaces = append(opts.Surfaces, surf)
	}
	return opts, nil
}

// formatResult writes a human-readable run summary to out.
func formatResult(out io.Writer, res *pipeline.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", res.RunID)
	_, _ = fmt.Fprintf(w, "State:\t%s\n", res.State)
	if res.Range.Valid() {
		_, _ = fmt.Fprintf(w, "Range:\t%s (%d days)\n", res.Range, res.Range.Len())
	}
	_, _ = fmt.Fprintf(w, "Rows:\t%d\n", res.Rows)
	for _, g := range res.Gaps {
		_, _ = fmt.Fprintf(w, "Gap:\t%s (%s): %s\n", g.SourceID, strings.Join(g.Fields, ", "), g.Reason)
	}
	if res.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", res.Error)
	}
	_ = w.Flush()

	if res.Report != nil {
		_, _ = fmt.Fprint(out, res.Report.String())
	}

	if len(res.Snapshots) == 0 {
		return
	}
	_, _ = fmt.Fprintln(out)
	formatSnapshotsList(out, snapshotValues(res.Snapshots))
}

func snapshotValues(snaps []*model.TrainingSnapshot) []model.TrainingSnapshot {
	out := make([]model.TrainingSnapshot, len(snaps))
	for i, s := range snaps {
		out[i] = *s
	}
	return out
}

func init() {
	f := assembleCmd.Flags()
	f.StringSliceVar(&assembleOpts.Surfaces, "surface", nil, "surfaces to materialize: prod, full (default from config)")
	f.StringSliceVar(&assembleOpts.Horizons, "horizon", nil, "target horizons: 1w, 1m, 3m, 6m, 12m or a day count (default from config)")
	f.StringVar(&assembleOpts.AsOf, "as-of", "", "point-in-time cut, YYYY-MM-DD (default today)")
	f.StringVar(&assembleOpts.Start, "start", "", "first row date, YYYY-MM-DD (default as-of minus --days)")
	f.IntVar(&assembleOpts.Days, "days", 0, "row count when --start is not set (default assemble.lookback_days)")
	f.IntVar(&assembleOpts.History, "history-days", 0, "extra history fetched before the first row for fills and derived fields")
	f.StringVar(&assembleOpts.Version, "version", "", "snapshot version label (default v<as-of>)")
	f.BoolVar(&assembleOpts.JSON, "json", false, "print the run result as JSON")
	rootCmd.AddCommand(assembleCmd)
}
