package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/ylsdamxssjxxdd/wunder/internal/config"
	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/eventstream"
	"github.com/ylsdamxssjxxdd/wunder/internal/lock"
	"github.com/ylsdamxssjxxdd/wunder/internal/memory"
	"github.com/ylsdamxssjxxdd/wunder/internal/monitor"
	"github.com/ylsdamxssjxxdd/wunder/internal/promptcache"
	"github.com/ylsdamxssjxxdd/wunder/internal/wundererr"
)

// ModelResolver resolves a request's model_name (or the configured default)
// to a ChatClient plus its configuration. Adapters over the eino-backed
// internal/provider package implement this in the reference wiring.
type ModelResolver interface {
	Resolve(modelName string) (core.ChatClient, config.ModelConfig, error)
}

// ToolTimeoutClassifier classifies a tool name into a timeout class so the
// orchestrator can apply a2a-class, mcp-class, or default-class timeouts
// (§4.4.f). A nil classifier means every tool is "default".
type ToolTimeoutClassifier interface {
	ClassOf(toolName string) string // "a2a", "mcp", or "" for default
}

// Orchestrator drives PreparedRequests to completion, per §4.4.
type Orchestrator struct {
	cfg       *config.EngineConfig
	lock      *lock.Lock
	monitor   *monitor.Monitor
	transport *eventstream.Transport
	workspace core.WorkspaceStore
	tools     core.ToolRegistry
	models    ModelResolver
	memoryQ   *memory.Summarizer
	prompts   *promptcache.Composer
	toolClass ToolTimeoutClassifier
	logger    zerolog.Logger
}

// New constructs an Orchestrator from its collaborators. memoryQ and
// toolClass may be nil.
func New(
	cfg *config.EngineConfig,
	l *lock.Lock,
	m *monitor.Monitor,
	transport *eventstream.Transport,
	ws core.WorkspaceStore,
	tools core.ToolRegistry,
	models ModelResolver,
	memoryQ *memory.Summarizer,
	prompts *promptcache.Composer,
	toolClass ToolTimeoutClassifier,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, lock: l, monitor: m, transport: transport, workspace: ws,
		tools: tools, models: models, memoryQ: memoryQ, prompts: prompts,
		toolClass: toolClass, logger: logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Run drives req to completion, emitting events through the transport and
// returning the final Response. When req.Stream is true each streamed
// output token is emitted as an llm_output_delta event; callers consume
// events via eventstream.NewPump against the same session id.
func (o *Orchestrator) Run(ctx context.Context, req core.PreparedRequest) (core.Response, error) {
	sessionID, userID := req.SessionID, req.UserID

	outcome, err := o.lock.TryAcquire(ctx, sessionID, userID, SessionLockTTL, o.maxActiveSessions())
	if err != nil {
		return core.Response{}, wundererr.New(wundererr.Internal, "lock acquire: %v", err)
	}
	switch outcome {
	case lock.UserBusy:
		return core.Response{}, wundererr.New(wundererr.UserBusy, "user %s already has an active session", userID)
	case lock.SystemBusy:
		return core.Response{}, wundererr.New(wundererr.SystemBusy, "admission cap reached")
	}

	stopHeartbeat := o.lock.StartHeartbeat(ctx, sessionID, userID, HeartbeatInterval, func(err error) {
		o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("heartbeat failed")
	})
	defer stopHeartbeat()
	defer func() {
		if err := o.lock.Release(context.Background(), sessionID, userID); err != nil {
			o.logger.Warn().Err(err).Str("session_id", sessionID).Msg("lock release failed")
		}
	}()

	if _, err := o.monitor.Register(ctx, sessionID, userID, req.Question); err != nil {
		return core.Response{}, wundererr.New(wundererr.Internal, "monitor register: %v", err)
	}
	emitter := o.transport.NewEmitter(sessionID, userID, o.monitor)

	resp, runErr := o.runLoop(ctx, req, emitter)

	switch {
	case runErr == nil:
		_ = o.monitor.MarkFinished(ctx, sessionID)
		if o.memoryQ != nil {
			_, _ = o.memoryQ.Enqueue(context.Background(), userID, sessionID, map[string]any{
				"messages": []any{map[string]any{"role": "user", "content": req.Question}, map[string]any{"role": "assistant", "content": resp.Answer}},
			})
		}
	case wundererr.CodeOf(runErr) == wundererr.Cancelled:
		_ = o.monitor.MarkCancelled(ctx, sessionID)
	default:
		_ = o.monitor.MarkError(ctx, sessionID)
	}

	return resp, runErr
}

func (o *Orchestrator) maxActiveSessions() int {
	if o.cfg == nil || o.cfg.Server.MaxActiveSessions <= 0 {
		return 16
	}
	return o.cfg.Server.MaxActiveSessions
}

// runLoop implements the state machine of §4.4 steps 2-5.
func (o *Orchestrator) runLoop(ctx context.Context, req core.PreparedRequest, emitter *eventstream.Emitter) (core.Response, error) {
	sessionID := req.SessionID
	chat, modelCfg, err := o.models.Resolve(req.ModelName)
	if err != nil {
		return core.Response{}, wundererr.New(wundererr.LLMUnavailable, "%v", err)
	}

	messages, err := o.buildInitialMessages(ctx, req)
	if err != nil {
		return core.Response{}, wundererr.New(wundererr.Internal, "build initial messages: %v", err)
	}

	var usage core.TokenUsage
	if o.workspace != nil {
		usage, _ = o.workspace.LoadTokenUsage(ctx, sessionID)
	}
	historyUsage := usage.Total()

	maxRounds := modelCfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}

	var answer string
	var stopReason core.StopReason
	var a2uiPayload any

roundLoop:
	for round := 1; round <= maxRounds; round++ {
		if o.monitor.IsCancelled(sessionID) {
			return core.Response{}, o.emitCancelled(ctx, emitter)
		}

		if trigger, reason, limit := needsCompaction(modelCfg, historyUsage, messages); trigger {
			if err := o.compact(ctx, emitter, chat, sessionID, &messages, modelCfg, reason, limit, &historyUsage); err != nil {
				return core.Response{}, err
			}
		}

		if _, err := emitter.Emit(ctx, core.EventProgress, map[string]any{"stage": "llm_call", "round": round}); err != nil {
			return core.Response{}, wundererr.New(wundererr.Internal, "emit progress: %v", err)
		}
		if _, err := emitter.Emit(ctx, core.EventLLMRequest, map[string]any{"round": round, "messages": len(messages)}); err != nil {
			return core.Response{}, wundererr.New(wundererr.Internal, "emit llm_request: %v", err)
		}

		completion, callStart, firstTok, lastTok, err := o.invokeLLMWithRetry(ctx, chat, messages, req.Stream, sessionID, emitter, modelCfg.Retry)
		if err != nil {
			if o.monitor.IsCancelled(sessionID) {
				return core.Response{}, o.emitCancelled(ctx, emitter)
			}
			return core.Response{}, wundererr.New(wundererr.LLMUnavailable, "llm call failed: %v", err)
		}

		roundUsage := estimateUsage(completion, messages)
		usage = usage.Add(roundUsage)
		historyUsage += roundUsage.Total()

		prefillMS, decodeMS := 0.0, 0.0
		if !firstTok.IsZero() {
			prefillMS = firstTok.Sub(callStart).Seconds() * 1000
			if !lastTok.IsZero() {
				decodeMS = lastTok.Sub(firstTok).Seconds() * 1000
			}
		}
		if _, err := emitter.Emit(ctx, core.EventLLMOutput, map[string]any{"round": round, "content": completion.Content}); err != nil {
			return core.Response{}, wundererr.New(wundererr.Internal, "emit llm_output: %v", err)
		}
		if _, err := emitter.Emit(ctx, core.EventTokenUsage, map[string]any{
			"input": roundUsage.Input, "output": roundUsage.Output, "reasoning": roundUsage.Reasoning,
			"prefill_ms": prefillMS, "decode_ms": decodeMS,
		}); err != nil {
			return core.Response{}, wundererr.New(wundererr.Internal, "emit token_usage: %v", err)
		}

		if req.SkipToolCalls {
			answer = StripToolTags(completion.Content)
			stopReason = core.StopModelResponse
			messages = append(messages, core.ChatMessage{Role: "assistant", Content: completion.Content})
			break roundLoop
		}

		calls := ExtractToolCalls(completion.Content, completion.Reasoning)
		if len(calls) == 0 {
			answer = StripToolTags(completion.Content)
			stopReason = core.StopModelResponse
			messages = append(messages, core.ChatMessage{Role: "assistant", Content: completion.Content})
			if o.workspace != nil {
				_ = o.workspace.AppendChat(ctx, sessionID, messages[len(messages)-1])
			}
			break roundLoop
		}

		messages = append(messages, core.ChatMessage{Role: "assistant", Content: completion.Content})
		if o.workspace != nil {
			_ = o.workspace.AppendChat(ctx, sessionID, messages[len(messages)-1])
		}

		for _, call := range calls {
			if IsFinalResponseTool(call.Name) {
				answer = FinalResponseText(call.Arguments)
				stopReason = core.StopFinalTool
				break roundLoop
			}
			if IsA2UITool(call.Name) {
				a2uiPayload = call.Arguments
				if _, err := emitter.Emit(ctx, core.EventA2UI, map[string]any{"payload": call.Arguments}); err != nil {
					return core.Response{}, wundererr.New(wundererr.Internal, "emit a2ui: %v", err)
				}
				answer = fallbackA2UIText(call.Arguments)
				stopReason = core.StopA2UI
				break roundLoop
			}

			obsMsg, err := o.invokeTool(ctx, req, sessionID, emitter, call)
			if err != nil {
				if wundererr.CodeOf(err) == wundererr.Cancelled {
					return core.Response{}, err
				}
				return core.Response{}, err
			}
			messages = append(messages, obsMsg)
			if o.workspace != nil {
				_ = o.workspace.AppendChat(ctx, sessionID, obsMsg)
			}
		}

		if round == maxRounds && stopReason == "" {
			answer = StripToolTags(completion.Content)
			stopReason = core.StopMaxRounds
		}
	}

	if stopReason == "" {
		stopReason = core.StopMaxRounds
		if len(messages) > 0 {
			answer = StripToolTags(messages[len(messages)-1].Content)
		}
	}

	if o.workspace != nil {
		_ = o.workspace.SaveTokenUsage(ctx, sessionID, usage)
	}

	if _, err := emitter.Emit(ctx, core.EventFinal, map[string]any{
		"answer": answer, "usage": usage, "stop_reason": stopReason,
	}); err != nil {
		return core.Response{}, wundererr.New(wundererr.Internal, "emit final: %v", err)
	}

	return core.Response{
		SessionID:  sessionID,
		Answer:     answer,
		Usage:      usage,
		StopReason: stopReason,
		A2UI:       a2uiPayload,
	}, nil
}

func fallbackA2UIText(args map[string]any) string {
	if s := FinalResponseText(args); s != "" {
		return s
	}
	return "(interactive UI artifact produced)"
}

func (o *Orchestrator) buildInitialMessages(ctx context.Context, req core.PreparedRequest) ([]core.ChatMessage, error) {
	var messages []core.ChatMessage

	systemPrompt, err := o.composeSystemPrompt(ctx, req)
	if err != nil {
		return nil, err
	}
	if systemPrompt != "" {
		messages = append(messages, core.ChatMessage{Role: "system", Content: systemPrompt})
	}

	if o.workspace != nil {
		history, err := o.workspace.LoadHistory(ctx, req.SessionID, o.workspaceMaxHistory())
		if err != nil {
			return nil, err
		}
		messages = append(messages, history...)
	}

	userMsg := BuildUserMessage(req.Question, req.Attachments)
	messages = append(messages, userMsg)
	if o.workspace != nil {
		_ = o.workspace.AppendChat(ctx, req.SessionID, userMsg)
	}

	return messages, nil
}

func (o *Orchestrator) workspaceMaxHistory() int {
	if o.cfg == nil || o.cfg.Workspace.MaxHistoryItems <= 0 {
		return 200
	}
	return o.cfg.Workspace.MaxHistoryItems
}

func (o *Orchestrator) composeSystemPrompt(ctx context.Context, req core.PreparedRequest) (string, error) {
	if o.prompts == nil {
		return "", nil
	}
	// workDir stands in for the session's workspace identity in the cache
	// key (§4.8); this reference WorkspaceStore keys everything off
	// session_id rather than a distinct filesystem path per session.
	workDir := ""
	configVersion := 0
	if o.workspace != nil {
		workDir = req.SessionID
		fmt.Sscanf(o.workspace.ConfigVersion(), "%d", &configVersion)
	}
	base, err := o.prompts.Compose(promptcache.Input{
		ConfigVersion:   configVersion,
		UserID:          req.UserID,
		WorkDir:         workDir,
		AllowedTools:    req.ToolNames,
		ConfigOverrides: req.ConfigOverrides,
		Language:        req.Language,
	})
	if err != nil {
		return "", err
	}

	var memHeader string
	if o.memoryQ != nil {
		if recs, err := o.memoryQ.Recent(ctx, req.UserID, 10); err == nil {
			memHeader = promptcache.MemoryHeader(recs, req.Language)
		}
	}

	parts := []string{base}
	if memHeader != "" {
		parts = append(parts, memHeader)
	}
	if o.workspace != nil {
		if saved, ok, err := o.workspace.LoadSystemPrompt(ctx, req.SessionID); err == nil && ok && saved != "" {
			parts = append(parts, saved)
		} else {
			_ = o.workspace.SaveSystemPrompt(ctx, req.SessionID, base)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// invokeLLMWithRetry wraps invokeLLM with the model's configured retry
// count and an exponential 1..3s backoff (§7), giving up immediately on a
// cancellation rather than burning through retries against a dead request.
func (o *Orchestrator) invokeLLMWithRetry(ctx context.Context, chat core.ChatClient, messages []core.ChatMessage, stream bool, sessionID string, emitter *eventstream.Emitter, maxRetries int) (core.ChatCompletion, time.Time, time.Time, time.Time, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 3 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	var completion core.ChatCompletion
	var callStart, firstTok, lastTok time.Time
	op := func() error {
		var err error
		completion, callStart, firstTok, lastTok, err = o.invokeLLM(ctx, chat, messages, stream, sessionID, emitter)
		if err != nil && o.monitor.IsCancelled(sessionID) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxRetries)), ctx))
	return completion, callStart, firstTok, lastTok, err
}

// invokeLLM performs one blocking or streaming completion call, racing it
// against the cancellation poller per §5.
func (o *Orchestrator) invokeLLM(ctx context.Context, chat core.ChatClient, messages []core.ChatMessage, stream bool, sessionID string, emitter *eventstream.Emitter) (core.ChatCompletion, time.Time, time.Time, time.Time, error) {
	timeout := DefaultLLMTimeoutS
	callCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	type result struct {
		completion core.ChatCompletion
		err        error
	}
	done := make(chan result, 1)
	callStart := time.Now()
	var firstTok, lastTok time.Time

	go func() {
		if stream {
			c, err := chat.StreamComplete(callCtx, messages, func(delta string) {
				now := time.Now()
				if firstTok.IsZero() {
					firstTok = now
				}
				lastTok = now
				_, _ = emitter.Emit(callCtx, core.EventLLMOutputDelta, map[string]any{"delta": delta})
			})
			done <- result{c, err}
			return
		}
		c, err := chat.Complete(callCtx, messages)
		done <- result{c, err}
	}()

	ticker := time.NewTicker(CancellationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r.completion, callStart, firstTok, lastTok, r.err
		case <-ticker.C:
			if o.monitor.IsCancelled(sessionID) {
				cancel()
				return core.ChatCompletion{}, callStart, firstTok, lastTok, context.Canceled
			}
		case <-callCtx.Done():
			return core.ChatCompletion{}, callStart, firstTok, lastTok, callCtx.Err()
		}
	}
}

func estimateUsage(c core.ChatCompletion, messages []core.ChatMessage) core.TokenUsage {
	if c.Usage != nil {
		return *c.Usage
	}
	return core.TokenUsage{
		Input:  messagesTokens(messages),
		Output: EstimateTokens(c.Content),
	}
}

func (o *Orchestrator) emitCancelled(ctx context.Context, emitter *eventstream.Emitter) error {
	_, _ = emitter.Emit(ctx, core.EventError, map[string]any{"code": string(wundererr.Cancelled)})
	return wundererr.New(wundererr.Cancelled, "session cancelled")
}

// invokeTool resolves, authorizes, and executes one tool call, returning
// the observation message to append to the conversation (§4.4.f).
func (o *Orchestrator) invokeTool(ctx context.Context, req core.PreparedRequest, sessionID string, emitter *eventstream.Emitter, call ToolCall) (core.ChatMessage, error) {
	if _, err := emitter.Emit(ctx, core.EventToolCall, map[string]any{"name": call.Name, "arguments": call.Arguments}); err != nil {
		return core.ChatMessage{}, wundererr.New(wundererr.Internal, "emit tool_call: %v", err)
	}

	var payload core.ToolResultPayload
	if !toolAllowed(req.ToolNames, call.Name) {
		payload = core.ToolResultPayload{OK: false, Error: fmt.Sprintf("tool %q is not in the allowed set", call.Name), Timestamp: core.Now()}
	} else if o.tools == nil || !o.tools.Has(call.Name) {
		payload = core.ToolResultPayload{OK: false, Error: fmt.Sprintf("unknown tool %q", call.Name), Timestamp: core.Now()}
	} else {
		result, execErr, cancelled := o.runToolWithCancellation(ctx, sessionID, call)
		if cancelled {
			return core.ChatMessage{}, o.emitCancelled(ctx, emitter)
		}
		payload = core.WrapToolResult(result, execErr)
	}

	if _, err := emitter.Emit(ctx, core.EventToolResult, map[string]any{"name": call.Name, "ok": payload.OK, "error": payload.Error}); err != nil {
		return core.ChatMessage{}, wundererr.New(wundererr.Internal, "emit tool_result: %v", err)
	}
	if o.workspace != nil {
		_ = o.workspace.AppendArtifact(ctx, sessionID, artifactEntryFor(call, payload))
	}

	serialized, _ := json.Marshal(struct {
		Tool string `json:"tool"`
		core.ToolResultPayload
	}{Tool: call.Name, ToolResultPayload: payload})

	return core.ChatMessage{Role: "user", Content: ObservationPrefix + string(serialized)}, nil
}

// runToolWithCancellation executes one tool call under its timeout, racing
// it against the 200ms cancellation poller the same way invokeLLM races the
// LLM call (§5: tool invocations are a suspension point). Cancellation is
// cooperative: the tool's context is cancelled and the goroutine running
// Execute is left to unwind on its own, the core never waits on it again.
func (o *Orchestrator) runToolWithCancellation(ctx context.Context, sessionID string, call ToolCall) (any, error, bool) {
	toolCtx, cancel := context.WithTimeout(ctx, o.toolTimeout(call.Name))
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := o.tools.Execute(toolCtx, call.Name, call.Arguments)
		done <- result{v, err}
	}()

	ticker := time.NewTicker(CancellationPollInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r.value, r.err, false
		case <-ticker.C:
			if o.monitor.IsCancelled(sessionID) {
				cancel()
				return nil, nil, true
			}
		case <-toolCtx.Done():
			return nil, toolCtx.Err(), false
		}
	}
}

func artifactEntryFor(call ToolCall, payload core.ToolResultPayload) core.ArtifactLogEntry {
	kind := "command"
	switch call.Name {
	case "read_file", "read":
		kind = "file_read"
	case "write_file", "edit_file", "write", "edit":
		kind = "file_write"
	case "bash", "exec", "run_command":
		kind = "command"
	case "run_script":
		kind = "script"
	}
	path, _ := call.Arguments["path"].(string)
	return core.ArtifactLogEntry{Kind: kind, Path: path, Detail: call.Name, Timestamp: core.Now().Format(time.RFC3339)}
}

func (o *Orchestrator) toolTimeout(name string) time.Duration {
	class := ""
	if o.toolClass != nil {
		class = o.toolClass.ClassOf(name)
	}
	var seconds int
	switch class {
	case "a2a":
		seconds = o.cfg.A2A.TimeoutS
	case "mcp":
		seconds = o.cfg.MCP.TimeoutS
	default:
		seconds = 60
	}
	if seconds < MinToolTimeoutS {
		seconds = MinToolTimeoutS
	}
	return time.Duration(seconds) * time.Second
}

func toolAllowed(allow []string, name string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == name {
			return true
		}
	}
	return false
}

// compact runs History & Compaction (§4.5) in place, rewriting messages and
// historyUsage, and emitting the compaction event.
func (o *Orchestrator) compact(ctx context.Context, emitter *eventstream.Emitter, chat core.ChatClient, sessionID string, messages *[]core.ChatMessage, modelCfg config.ModelConfig, reason string, limit int, historyUsage *int) error {
	if _, err := emitter.Emit(ctx, core.EventProgress, map[string]any{"stage": "compacting", "reason": reason}); err != nil {
		return wundererr.New(wundererr.Internal, "emit compacting progress: %v", err)
	}

	result, err := Compact(ctx, chat, o.workspace, sessionID, *messages, modelCfg, reason, limit)
	if err != nil {
		return wundererr.New(wundererr.Internal, "compaction failed: %v", err)
	}

	*messages = result.Messages
	*historyUsage = ApplyHistoryUsageReset(modelCfg.HistoryCompactionReset, result.AfterTokens, *historyUsage)

	if _, err := emitter.Emit(ctx, core.EventCompaction, map[string]any{
		"reason": result.Reason, "fallback": result.Fallback,
		"before_tokens": result.BeforeTokens, "after_tokens": result.AfterTokens, "threshold": result.Threshold,
	}); err != nil {
		return wundererr.New(wundererr.Internal, "emit compaction: %v", err)
	}
	return nil
}
