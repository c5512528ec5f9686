package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/api"
	"github.com/jackzampolin/narrate/internal/svcctx"
)

var (
	statusSource string
	statusFailed int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show synthesis progress",
	Long: `Show how many chapters are complete, pending and failed, per volume,
along with the most recent failures.

Examples:
  narrate status
  narrate status --failed 100 -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc := svcctx.ServicesFrom(ctx)
		if cmd.Flags().Changed("source") {
			if err := svc.Config.Set("source_dir", statusSource); err != nil {
				return err
			}
		}
		cfg := svc.Config.Get()

		cat, err := loadCatalog(ctx, cfg, noFilter, svc.Logger)
		if err != nil {
			return err
		}
		lh, err := openLedger(ctx, cfg, svc.Home, svc.Logger)
		if err != nil {
			return err
		}
		defer lh.Close()

		sum := lh.Store.Summarize(cat)
		view := statusView{Source: cfg.SourceDir, Summary: sum}
		if statusFailed != 0 {
			all := lh.Store.FailedItems(0)
			view.Failed = all
			if statusFailed > 0 && len(all) > statusFailed {
				view.Failed = all[:statusFailed]
				view.More = len(all) - statusFailed
			}
		}
		return api.Output(view)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusSource, "source", "", "novel root directory (overrides source_dir)")
	statusCmd.Flags().IntVar(&statusFailed, "failed", 10, "failed items to list (-1 for all, 0 for none)")
	rootCmd.AddCommand(statusCmd)
}
