package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [finding-id]",
	Short: "Run the analysis pipeline",
	Long:  "Analyses a single finding, or with --pending a batch of new and classified findings (priority findings first). Interrupted analyses resume at their first incomplete stage.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pending, _ := cmd.Flags().GetBool("pending")
		if pending == (len(args) == 1) {
			return eris.New("analyze: pass either a finding id or --pending")
		}

		if err := cfg.Validate("analyze"); err != nil {
			return err
		}

		env, err := initEnv(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if !pending {
			a, err := env.Pipeline.Run(ctx, args[0])
			if err != nil {
				return eris.Wrapf(err, "analyze %s", args[0])
			}
			return enc.Encode(a)
		}

		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			limit = cfg.Analysis.BatchSize
		}
		summary, err := env.Pipeline.RunPending(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "analyze pending")
		}
		zap.L().Info("analysis batch complete",
			zap.Int("processed", summary.Processed),
			zap.Int("completed", summary.Completed),
			zap.Int("excluded", summary.Excluded),
			zap.Int("failed", summary.Failed),
			zap.Float64("cost_usd", summary.Usage.Cost),
		)
		return enc.Encode(summary)
	},
}

func init() {
	analyzeCmd.Flags().Bool("pending", false, "analyse pending findings instead of a single finding")
	analyzeCmd.Flags().Int("limit", 0, "max findings for --pending (default analysis.batch_size)")
	rootCmd.AddCommand(analyzeCmd)
}
