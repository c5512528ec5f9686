package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/api"
	"github.com/jackzampolin/narrate/internal/config"
	"github.com/jackzampolin/narrate/internal/svcctx"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the narrate configuration",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a default config file to the narrate home",
	Annotations: map[string]string{skipConfig: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		h := svcctx.HomeFrom(cmd.Context())
		if err := h.EnsureExists(); err != nil {
			return err
		}
		path := h.ConfigPath()
		if h.ConfigExists() && !configInitForce {
			return fmt.Errorf("%s already exists; pass --force to overwrite", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		say(cmd, "Wrote %s", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr := svcctx.ConfigFrom(cmd.Context())
		if used := mgr.ConfigFileUsed(); used != "" {
			svcctx.LoggerFrom(cmd.Context()).Debug("config loaded", "file", used)
		}
		cfg := *mgr.Get()
		cfg.Azure.APIKey = redact(cfg.Azure.APIKey)
		cfg.OpenAI.APIKey = redact(cfg.OpenAI.APIKey)
		cfg.Ledger.RedisPassword = redact(cfg.Ledger.RedisPassword)
		if api.GetOutputFormat() == api.OutputFormatText {
			return api.OutputTo(cmd.OutOrStdout(), api.OutputFormatYAML, cfg)
		}
		return api.Output(cfg)
	},
}

func redact(s string) string {
	if s == "" || strings.HasPrefix(s, "${") {
		return s
	}
	return "****"
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
