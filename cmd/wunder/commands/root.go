// Package commands implements the wunder CLI's subcommands.
package commands

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ylsdamxssjxxdd/wunder/internal/logging"
)

var (
	logLevel string
	dataDir  string
)

var rootCmd = &cobra.Command{
	Use:   "wunder",
	Short: "Wunder orchestration core CLI",
	Long: `wunder submits requests directly to the Session Orchestrator core,
bypassing the HTTP server entirely.

Run 'wunder run "question"' to execute a single request.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Storage directory (defaults to the paths.StoragePath() default)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() zerolog.Logger {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(logLevel)
	cfg.Pretty = true
	logging.Init(cfg)
	return logging.Logger
}
