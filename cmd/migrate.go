package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trainset/internal/db"
	"github.com/sells-group/trainset/internal/source"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the registry schema",
	Long:  "Migrates the run log and snapshot registry. With --records, also creates the source-record tables read by postgres sources.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		zap.L().Info("registry migrated", zap.String("driver", cfg.Store.Driver))

		records, _ := cmd.Flags().GetBool("records")
		if !records {
			return nil
		}

		specs := append([]source.Spec(nil), cfg.Sources.List...)
		if !needsPostgres(specs) {
			specs = append(specs, source.Spec{ID: "records", Kind: source.KindPostgres})
		}
		pool, closePool, err := sourcePool(ctx, st, specs)
		if err != nil {
			return err
		}
		defer closePool()

		for _, table := range recordTables(specs) {
			if err := db.EnsureRecordTable(ctx, pool, table); err != nil {
				return eris.Wrapf(err, "migrate records table %s", table)
			}
			zap.L().Info("records table ready", zap.String("table", table))
		}
		return nil
	},
}

// recordTables lists the distinct tables of postgres sources in declaration
// order.
func recordTables(specs []source.Spec) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range specs {
		if s.Kind != source.KindPostgres {
			continue
		}
		table := s.Table
		if table == "" {
			table = source.DefaultRecordTable
		}
		if !seen[table] {
			seen[table] = true
			out = append(out, table)
		}
	}
	return out
}

func init() {
	migrateCmd.Flags().Bool("records", false, "also create source-record tables for postgres sources")
	rootCmd.AddCommand(migrateCmd)
}
