// Package app assembles the engine's collaborators (config, storage,
// provider registry, tool registry, workspace, lock, event transport,
// monitor, memory summarizer, prompt composer) into a runnable
// orchestrator, the same wiring cmd/wunder-server and cmd/wunder share.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ylsdamxssjxxdd/wunder/internal/config"
	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/eventstream"
	"github.com/ylsdamxssjxxdd/wunder/internal/lock"
	"github.com/ylsdamxssjxxdd/wunder/internal/mcp"
	"github.com/ylsdamxssjxxdd/wunder/internal/memory"
	"github.com/ylsdamxssjxxdd/wunder/internal/monitor"
	"github.com/ylsdamxssjxxdd/wunder/internal/orchestrator"
	"github.com/ylsdamxssjxxdd/wunder/internal/promptcache"
	"github.com/ylsdamxssjxxdd/wunder/internal/provider"
	"github.com/ylsdamxssjxxdd/wunder/internal/storage"
	"github.com/ylsdamxssjxxdd/wunder/internal/tool"
	"github.com/ylsdamxssjxxdd/wunder/internal/workspace"
)

// App bundles every collaborator the Session Orchestrator needs, built
// from one EngineConfig and data directory.
type App struct {
	Config    *config.EngineConfig
	Storage   *storage.Storage
	Lock      *lock.Lock
	Monitor   *monitor.Monitor
	Transport *eventstream.Transport
	Workspace *workspace.Store
	Tools     *tool.Registry
	Models    *provider.Registry
	Memory    *memory.Summarizer
	Prompts   *promptcache.Composer
	Prepare   *orchestrator.Preparer
	Run       *orchestrator.Orchestrator
	MCP       *mcp.Client

	logger zerolog.Logger
}

// connectMCPServers dials every server named in cfg.MCP.Servers (§6's mcp.*
// section) and registers its tools into reg, mirroring the teacher's MCP
// CRUD-driven registration but driven by static config instead of runtime
// admin calls. Returns a nil client when no servers are configured.
func connectMCPServers(ctx context.Context, cfg *config.EngineConfig, reg *tool.Registry, logger zerolog.Logger) (*mcp.Client, error) {
	if len(cfg.MCP.Servers) == 0 {
		return nil, nil
	}
	client := mcp.NewClient()
	for name, sc := range cfg.MCP.Servers {
		sc := sc
		if err := client.AddServer(ctx, name, &sc); err != nil {
			logger.Warn().Err(err).Str("server", name).Msg("mcp: connect failed")
			continue
		}
	}
	mcp.RegisterMCPTools(client, reg)
	return client, nil
}

// toolTimeoutClassifier classifies tool names into a2a/mcp/default timeout
// classes (§4.4.f) from naming convention: an "a2a_" or "mcp_" prefix (as
// this repo's tool registry namespaces remote/collaborator tools) selects
// the matching class.
type toolTimeoutClassifier struct{}

func (toolTimeoutClassifier) ClassOf(name string) string {
	switch {
	case strings.HasPrefix(name, "a2a_"):
		return "a2a"
	case strings.HasPrefix(name, "mcp_"):
		return "mcp"
	default:
		return ""
	}
}

// New builds a fully wired App rooted at dataDir, logging through logger.
func New(ctx context.Context, cfg *config.EngineConfig, dataDir string, logger zerolog.Logger) (*App, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create data dir: %w", err)
	}
	store := storage.New(dataDir)

	maxActive := cfg.Server.MaxActiveSessions
	if maxActive <= 0 {
		maxActive = 16
	}
	l := lock.New(store, maxActive)

	mon := monitor.New(store, logger, monitor.Config{
		EventLimit:      cfg.Observability.MonitorEventLimit,
		PayloadMaxChars: cfg.Observability.MonitorPayloadMaxChars,
		DropEventTypes:  dropSet(cfg.Observability.MonitorDropEventTypes),
	})
	if err := mon.WarmHistory(ctx, false); err != nil {
		logger.Warn().Err(err).Msg("monitor: warm history failed")
	}

	transport := eventstream.New(store, logger, eventstream.Config{})

	workDir := filepath.Join(dataDir, "workspace")
	ws := workspace.New(store, workDir)

	toolRegistry := tool.DefaultRegistry(workDir, store)

	mcpClient, err := connectMCPServers(ctx, cfg, toolRegistry, logger)
	if err != nil {
		return nil, fmt.Errorf("app: connect mcp servers: %w", err)
	}

	coreTools := tool.NewCoreRegistry(toolRegistry)

	modelRegistry, err := provider.BuildRegistry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build model registry: %w", err)
	}
	resolver := provider.NewResolver(modelRegistry, cfg)

	var memoryChat core.ChatClient
	if _, cfgOK := cfg.Model(""); cfgOK {
		if chat, _, rerr := resolver.Resolve(""); rerr == nil {
			memoryChat = chat
		}
	}
	var memQ *memory.Summarizer
	if memoryChat != nil {
		memQ = memory.New(store, memoryChat, ws, logger, memory.Config{})
	}

	composer := promptcache.New(5 * time.Minute)

	provision := func(sessionID string) (string, error) {
		dir := filepath.Join(workDir, sessionID)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		return dir, nil
	}
	preparer := orchestrator.NewPreparer(cfg, provision)

	orch := orchestrator.New(cfg, l, mon, transport, ws, coreTools, resolver, memQ, composer, toolTimeoutClassifier{}, logger)

	return &App{
		Config: cfg, Storage: store, Lock: l, Monitor: mon, Transport: transport,
		Workspace: ws, Tools: toolRegistry, Models: modelRegistry, Memory: memQ, Prompts: composer,
		Prepare: preparer, Run: orch, MCP: mcpClient, logger: logger,
	}, nil
}

func dropSet(names []string) map[core.EventType]bool {
	if len(names) == 0 {
		return nil
	}
	out := make(map[core.EventType]bool, len(names))
	for _, n := range names {
		out[core.EventType(n)] = true
	}
	return out
}

// Close stops background workers (monitor write queue, memory queue) and
// disconnects any MCP servers.
func (a *App) Close(ctx context.Context) error {
	if a.Memory != nil {
		a.Memory.Close()
	}
	if a.MCP != nil {
		if err := a.MCP.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("mcp: close failed")
		}
	}
	return a.Monitor.Close(ctx)
}
