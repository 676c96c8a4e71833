package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trainset/internal/calendar"
	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/registry"
)

var calendarCmd = &cobra.Command{
	Use:   "calendar",
	Short: "Build and print the regime calendar",
	Long:  "Builds the day-by-day regime calendar from the regimes file and prints the day count per regime, or every day with --daily.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		regimes, err := registry.LoadRegimesFromFile(cfg.Assemble.RegimesFile)
		if err != nil {
			return err
		}

		startStr, _ := cmd.Flags().GetString("start")
		endStr, _ := cmd.Flags().GetString("end")
		daily, _ := cmd.Flags().GetBool("daily")

		r, err := calendarRange(startStr, endStr, cfg.Assemble.LookbackDays, time.Now())
		if err != nil {
			return err
		}

		for _, o := range calendar.Overlaps(regimes.Intervals) {
			zap.L().Warn("overlapping regime intervals, later start wins", zap.String("pair", o))
		}

		entries, err := calendar.Build(*regimes, r)
		if err != nil {
			return err
		}
		formatCalendar(os.Stdout, entries, daily)
		return nil
	},
}

// calendarRange resolves the --start/--end flags. end defaults to today and
// start to lookbackDays before end.
func calendarRange(startStr, endStr string, lookbackDays int, now time.Time) (model.DateRange, error) {
	end := model.Day(now)
	if endStr != "" {
		d, err := model.ParseDate(endStr)
		if err != nil {
			return model.DateRange{}, &model.ConfigError{Reason: "invalid --end", Err: err}
		}
		end = d
	}
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	start := end.AddDate(0, 0, -(lookbackDays - 1))
	if startStr != "" {
		d, err := model.ParseDate(startStr)
		if err != nil {
			return model.DateRange{}, &model.ConfigError{Reason: "invalid --start", Err: err}
		}
		start = d
	}
	return model.NewDateRange(start, end), nil
}

// formatCalendar writes either every calendar day or a per-regime summary.
func formatCalendar(out io.Writer, entries []model.CalendarEntry, daily bool) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if daily {
		_, _ = fmt.Fprintln(w, "DATE\tREGIME\tWEIGHT")
		for _, e := range entries {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%g\n", e.Date.Format(model.DateLayout), e.Regime, e.Weight)
		}
		_ = w.Flush()
		return
	}

	counts := calendar.Summarize(entries)
	weights := make(map[string]float64, len(counts))
	for _, e := range entries {
		weights[e.Regime] = e.Weight
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	_, _ = fmt.Fprintln(w, "REGIME\tDAYS\tWEIGHT")
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%g\n", name, counts[name], weights[name])
	}
	_, _ = fmt.Fprintf(w, "total\t%d\t\n", len(entries))
	_ = w.Flush()
}

func init() {
	calendarCmd.Flags().String("start", "", "first day, YYYY-MM-DD (default end minus assemble.lookback_days)")
	calendarCmd.Flags().String("end", "", "last day, YYYY-MM-DD (default today)")
	calendarCmd.Flags().Bool("daily", false, "print one line per day")
	rootCmd.AddCommand(calendarCmd)
}
