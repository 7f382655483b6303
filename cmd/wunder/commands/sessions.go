package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ylsdamxssjxxdd/wunder/internal/app"
	"github.com/ylsdamxssjxxdd/wunder/internal/config"
)

var sessionsActiveOnly bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions known to the Monitor",
	RunE:  listSessions,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [session_id]",
	Short: "Cancel a running session",
	Args:  cobra.ExactArgs(1),
	RunE:  cancelSession,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsActiveOnly, "active", false, "Only list non-terminal sessions")
	sessionsCmd.AddCommand(cancelCmd)
}

func openApp(ctx context.Context) (*app.App, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadEngineConfig(workDir)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	store := dataDir
	if store == "" {
		store = paths.StoragePath()
	}
	return app.New(ctx, cfg, store, newLogger())
}

func listSessions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(a.Monitor.ListSessions(sessionsActiveOnly))
}

func cancelSession(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	cancelled, err := a.Monitor.Cancel(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Println(cancelled)
	return nil
}
