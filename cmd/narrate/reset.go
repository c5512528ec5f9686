package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/svcctx"
)

var (
	resetFailedOnly bool
	resetYes        bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear ledger records",
	Long: `Clear the progress ledger so chapters are synthesized again.

With --failed-only, only failure records are dropped: completed chapters stay
complete and every failed chapter gets a fresh retry budget. A full reset
requires --yes. Audio files already written are never removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc := svcctx.ServicesFrom(ctx)
		cfg := svc.Config.Get()

		if !resetFailedOnly && !resetYes {
			return fmt.Errorf("a full reset forgets every completed chapter; pass --yes to confirm or --failed-only")
		}

		lh, err := openLedger(ctx, cfg, svc.Home, svc.Logger)
		if err != nil {
			return err
		}
		defer lh.Close()

		release, err := lockLedger(ctx, lh.Locker)
		if err != nil {
			return err
		}
		defer release()

		if resetFailedOnly {
			n, err := lh.Store.ClearFailed(ctx)
			if err != nil {
				return err
			}
			say(cmd, "Cleared failures for %d items.", n)
			return nil
		}
		if err := lh.Store.Reset(ctx); err != nil {
			return err
		}
		say(cmd, "Ledger reset.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetFailedOnly, "failed-only", false, "only clear failure records")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "confirm a full reset")
	rootCmd.AddCommand(resetCmd)
}
