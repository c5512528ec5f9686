package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/api"
	"github.com/jackzampolin/narrate/internal/svcctx"
)

var reportDir string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export a JSON progress report",
	Long: `Write the full ledger (summary, completions and latest failures) as a
JSON file. Reports go to the reports directory under the narrate home unless
--dir is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc := svcctx.ServicesFrom(ctx)
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

		dir := reportDir
		if dir == "" {
			dir = svc.Home.ReportsDir()
		}
		path, err := lh.Store.ExportReport(ctx, cat, dir)
		if err != nil {
			return err
		}
		if api.IsStructuredOutput() {
			return api.Output(map[string]string{"path": path})
		}
		say(cmd, "Report written to %s", path)
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportDir, "dir", "", "directory to write the report into")
	rootCmd.AddCommand(reportCmd)
}
