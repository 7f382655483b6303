package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ylsdamxssjxxdd/wunder/internal/app"
	"github.com/ylsdamxssjxxdd/wunder/internal/config"
	"github.com/ylsdamxssjxxdd/wunder/internal/core"
)

var (
	runUserID    string
	runModel     string
	runSessionID string
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run [question...]",
	Short: "Submit a single request to the orchestrator and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuestion,
}

func init() {
	runCmd.Flags().StringVarP(&runUserID, "user", "u", "cli", "User id the request runs as")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model name (defaults to llm.default)")
	runCmd.Flags().StringVarP(&runSessionID, "session", "s", "", "Session id to continue")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the raw Response JSON")
}

func runQuestion(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.LoadEngineConfig(workDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	store := dataDir
	if store == "" {
		store = paths.StoragePath()
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, store, newLogger())
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.Close(ctx)

	req := core.Request{
		UserID:    runUserID,
		Question:  strings.Join(args, " "),
		SessionID: runSessionID,
		ModelName: runModel,
		Stream:    false,
	}

	prepared, err := a.Prepare.Prepare(ctx, req)
	if err != nil {
		return err
	}
	resp, err := a.Run.Run(ctx, prepared)
	if err != nil {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Println(resp.Answer)
	return nil
}
