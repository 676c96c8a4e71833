package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/trainset/internal/model"
	"github.com/sells-group/trainset/internal/store"
	"github.com/sells-group/trainset/internal/surface"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "Inspect the snapshot registry",
}

// -- snapshots list --

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered snapshots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := snapshotFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snaps, err := st.ListSnapshots(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "snapshots list")
		}
		if len(snaps) == 0 {
			fmt.Fprintln(os.Stderr, "No snapshots found.")
			return nil
		}

		formatSnapshotsList(os.Stdout, snaps)
		return nil
	},
}

// -- snapshots show --

var snapshotsShowCmd = &cobra.Command{
	Use:   "show <snapshot-id>",
	Short: "Show a snapshot record with its coverage summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.GetSnapshotByID(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "snapshots show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

// -- snapshots verify --

var snapshotsVerifyCmd = &cobra.Command{
	Use:   "verify [snapshot-id...]",
	Short: "Re-hash snapshot files and compare with the registry",
	Long:  "Verifies the named snapshots, or every registered snapshot when none are named.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var snaps []model.TrainingSnapshot
		if len(args) == 0 {
			snaps, err = st.ListSnapshots(ctx, store.SnapshotFilter{})
			if err != nil {
				return eris.Wrap(err, "snapshots verify")
			}
		}
		for _, id := range args {
			snap, err := st.GetSnapshotByID(ctx, id)
			if err != nil {
				return eris.Wrap(err, "snapshots verify")
			}
			snaps = append(snaps, *snap)
		}

		if bad := verifySnapshots(os.Stdout, snaps); bad > 0 {
			return eris.Errorf("%d of %d snapshots failed verification", bad, len(snaps))
		}
		return nil
	},
}

func snapshotFilterFromFlags(cmd *cobra.Command) (store.SnapshotFilter, error) {
	var filter store.SnapshotFilter
	surf, _ := cmd.Flags().GetString("surface")
	horizon, _ := cmd.Flags().GetString("horizon")
	filter.Version, _ = cmd.Flags().GetString("version")
	filter.RunID, _ = cmd.Flags().GetString("run")
	filter.Limit, _ = cmd.Flags().GetInt("limit")

	if surf != "" {
		s, err := model.ParseSurface(surf)
		if err != nil {
			return filter, err
		}
		filter.Surface = s
	}
	if horizon != "" {
		h, err := model.ParseHorizon(horizon)
		if err != nil {
			return filter, err
		}
		filter.Horizon = h
	}
	return filter, nil
}

// verifySnapshots checks each snapshot file and writes one line per snapshot.
// It returns the number that failed.
func verifySnapshots(out io.Writer, snaps []model.TrainingSnapshot) int {
	bad := 0
	for i := range snaps {
		if err := surface.Verify(&snaps[i]); err != nil {
			bad++
			_, _ = fmt.Fprintf(out, "FAIL  %s  %v\n", snaps[i].ID, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "OK    %s  %s\n", snaps[i].ID, shortHash(snaps[i].ContentHash))
	}
	return bad
}

// formatSnapshotsList writes a tabular list of snapshots to out.
func formatSnapshotsList(out io.Writer, snaps []model.TrainingSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SURFACE\tHORIZON\tVERSION\tROWS\tCOLS\tCONTENT\tRUN\tCREATED\tPATH")
	_, _ = fmt.Fprintln(w, "-------\t-------\t-------\t----\t----\t-------\t---\t-------\t----")

	for _, s := range snaps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			s.Surface,
			s.Horizon,
			s.Version,
			s.RowCount,
			s.ColumnCount,
			shortHash(s.ContentHash),
			truncateID(s.RunID),
			s.CreatedAt.Format("2006-01-02 15:04"),
			s.FilePath,
		)
	}
	_ = w.Flush()
}

// shortHash returns the first 12 hex digits of a content hash.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func init() {
	snapshotsListCmd.Flags().String("surface", "", "filter by surface (prod, full)")
	snapshotsListCmd.Flags().String("horizon", "", "filter by horizon (1w, 1m, 3m, 6m, 12m)")
	snapshotsListCmd.Flags().String("version", "", "filter by version label")
	snapshotsListCmd.Flags().String("run", "", "filter by run ID")
	snapshotsListCmd.Flags().Int("limit", 50, "max number of snapshots to display")

	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsShowCmd)
	snapshotsCmd.AddCommand(snapshotsVerifyCmd)
	rootCmd.AddCommand(snapshotsCmd)
}
