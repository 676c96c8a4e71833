package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trainset/internal/db"
	"github.com/sells-group/trainset/internal/source"
)

var (
	importCSVPath string
	importSource  string
	importTable   string
	importCopy    bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load a normalized record CSV into a postgres source table",
	Long: "Reads a CSV of normalized source records (source_id, field_name, as_of_date, value, unit, confidence, ingest_ts) " +
		"and loads it into the records table. Existing records are kept, so re-importing a file is a no-op; --copy skips " +
		"that check and bulk-copies into an empty table.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		data, err := os.ReadFile(importCSVPath)
		if err != nil {
			return eris.Wrap(err, "read csv")
		}
		recs, err := source.ParseRecords(data, importSource)
		if err != nil {
			return eris.Wrapf(err, "parse %s", importCSVPath)
		}

		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL, cfg.Store.MaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := db.EnsureRecordTable(ctx, pool, importTable); err != nil {
			return err
		}

		var n int64
		if importCopy {
			n, err = db.CopyRecords(ctx, pool, importTable, recs)
		} else {
			n, err = db.UpsertRecords(ctx, pool, importTable, recs)
		}
		if err != nil {
			return eris.Wrap(err, "import records")
		}

		zap.L().Info("import complete",
			zap.Int("parsed", len(recs)),
			zap.Int64("inserted", n),
			zap.String("table", importTable),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	importCmd.Flags().StringVar(&importSource, "source", "", "source ID for rows without a source_id column")
	importCmd.Flags().StringVar(&importTable, "table", source.DefaultRecordTable, "target records table")
	importCmd.Flags().BoolVar(&importCopy, "copy", false, "bulk COPY without skipping existing records")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}
