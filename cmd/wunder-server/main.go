// Command wunder-server runs the orchestrator core behind the thin HTTP/SSE
// surface in internal/server (§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ylsdamxssjxxdd/wunder/internal/app"
	"github.com/ylsdamxssjxxdd/wunder/internal/config"
	"github.com/ylsdamxssjxxdd/wunder/internal/logging"
	"github.com/ylsdamxssjxxdd/wunder/internal/server"
)

var (
	port      = flag.Int("port", 4096, "Server port")
	directory = flag.String("directory", "", "Working directory (defaults to cwd)")
	version   = flag.Bool("version", false, "Print version and exit")
	logFile   = flag.Bool("log-file", false, "Write logs to a timestamped file under /tmp")
)

const appVersion = "0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("wunder-server %s\n", appVersion)
		os.Exit(0)
	}

	logCfg := logging.DefaultConfig()
	logCfg.LogToFile = *logFile
	logging.Init(logCfg)
	defer logging.Close()
	logger := logging.Logger

	workDir := *directory
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			logger.Fatal().Err(err).Msg("resolve working directory")
		}
		workDir = wd
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		logger.Fatal().Err(err).Msg("create data directories")
	}

	cfg, err := config.LoadEngineConfig(workDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, paths.StoragePath(), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("build app")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Close(shutdownCtx)
	}()

	srvCfg := server.DefaultConfig()
	srvCfg.Port = *port
	srv := server.New(srvCfg, a, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("server exited")
		}
	}
}
