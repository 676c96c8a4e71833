package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/trainset/internal/config"
	"github.com/sells-group/trainset/internal/pipeline"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "trainset",
	Short: "Point-in-time training set assembly",
	Long:  "Collects source records, joins them as of a date without lookahead, labels forward targets, gates quality, and materializes versioned training snapshots.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// exitCode maps a command error to the process exit status: 2 for a run
// blocked by the quality gate, 1 for anything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if pipeline.IsBlocked(err) {
		return 2
	}
	return 1
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
