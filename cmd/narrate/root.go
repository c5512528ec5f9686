package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/narrate/internal/api"
	"github.com/jackzampolin/narrate/internal/config"
	"github.com/jackzampolin/narrate/internal/home"
	"github.com/jackzampolin/narrate/internal/svcctx"
	"github.com/jackzampolin/narrate/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

// skipConfig marks commands that must work without a loadable config.
const skipConfig = "skip-config"

var rootCmd = &cobra.Command{
	Use:   "narrate",
	Short: "Batch text-to-speech for novels, one chapter per audio file",
	Long: `narrate turns a directory of chapter text files into audio using an
asynchronous batch speech-synthesis service.

Chapters are grouped into batches, each batch is submitted as one job, jobs
are polled concurrently, and every produced audio file is recorded in a
progress ledger so interrupted runs pick up where they stopped.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.narrate/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "narrate home directory (default: ~/.narrate)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "text", "output format: text, yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "log level: debug, info, warn, error (default from config)",
	)

	rootCmd.PersistentPreRunE = setupServices
}

// setupServices resolves home, config and logger and attaches them to the
// command context.
func setupServices(cmd *cobra.Command, args []string) error {
	if err := api.SetOutputFormat(outputFormat); err != nil {
		return err
	}

	h, err := home.New(homeDir)
	if err != nil {
		return err
	}
	svc := &svcctx.Services{Home: h, Logger: newLogger(logLevel)}

	if cmd.Annotations[skipConfig] == "" {
		file := cfgFile
		if file == "" && h.ConfigExists() {
			file = h.ConfigPath()
		}
		mgr, err := config.NewManager(file)
		if err != nil {
			return err
		}
		if logLevel == "" {
			svc.Logger = newLogger(mgr.Get().LogLevel)
		}
		mgr.SetLogger(svc.Logger)
		svc.Config = mgr
	}

	cmd.SetContext(svcctx.WithServices(cmd.Context(), svc))
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// say prints a human message unless output is structured.
func say(cmd *cobra.Command, format string, args ...any) {
	if api.IsStructuredOutput() {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), format+"\n", args...)
}
