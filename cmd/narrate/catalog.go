package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/api"
	"github.com/jackzampolin/narrate/internal/catalog"
	"github.com/jackzampolin/narrate/internal/svcctx"
)

// noFilter keeps the whole catalog.
var noFilter catalog.Filter

var catalogOpts runOptions

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List discovered chapters and their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc := svcctx.ServicesFrom(ctx)
		if err := catalogOpts.applyOverrides(cmd, svc.Config); err != nil {
			return err
		}
		cfg := svc.Config.Get()

		cat, err := loadCatalog(ctx, cfg, catalogOpts.filter(), svc.Logger)
		if err != nil {
			return err
		}
		lh, err := openLedger(ctx, cfg, svc.Home, svc.Logger)
		if err != nil {
			return err
		}
		defer lh.Close()

		return api.Output(newCatalogView(cat, lh.Store))
	},
}

func init() {
	f := catalogCmd.Flags()
	f.StringVar(&catalogOpts.source, "source", "", "novel root directory (overrides source_dir)")
	f.IntVar(&catalogOpts.startChapter, "start-chapter", 0, "first chapter number to include")
	f.IntVar(&catalogOpts.endChapter, "end-chapter", 0, "last chapter number to include")
	f.IntSliceVar(&catalogOpts.volumes, "volume", nil, "restrict to these volume numbers")
	f.IntVar(&catalogOpts.maxChapters, "max-chapters", 0, "list at most this many chapters")
	rootCmd.AddCommand(catalogCmd)
}
