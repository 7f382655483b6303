package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ylsdamxssjxxdd/wunder/internal/config"
	"github.com/ylsdamxssjxxdd/wunder/internal/core"
)

// EstimateTokens is the engine's single token-counting heuristic: roughly
// 4 characters per token, the same coarse estimate the teacher's
// internal/session/compact.go uses when a tokenizer isn't available.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

func messagesTokens(msgs []core.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
		for _, p := range m.Parts {
			total += EstimateTokens(p.Text)
		}
	}
	return total
}

// autoCompactLimit derives the effective context budget from the model's
// declared context window and configured ratio (spec: "typically 60-80% of
// context").
func autoCompactLimit(m config.ModelConfig) int {
	if m.MaxContext <= 0 {
		return 8000
	}
	ratio := m.HistoryCompactionRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return int(float64(m.MaxContext) * ratio)
}

// needsCompaction implements the trigger of §4.5: checked before each LLM
// call, compares cumulative history_usage against a ratio-derived threshold,
// then falls back to a raw current-message-tokens check against the
// effective limit.
func needsCompaction(m config.ModelConfig, historyUsage int, messages []core.ChatMessage) (trigger bool, reason string, limit int) {
	limit = autoCompactLimit(m)
	ratio := m.HistoryCompactionRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	threshold := int(float64(m.MaxContext) * ratio)
	if m.MaxContext > 0 && historyUsage >= threshold {
		return true, "history_threshold", limit
	}
	if messagesTokens(messages) > limit {
		return true, "context_too_long", limit
	}
	return false, "", limit
}

// compactionResult is what Compact returns to the caller for event emission
// and history_usage bookkeeping.
type compactionResult struct {
	Messages     []core.ChatMessage
	HistoryUsage int
	Reason       string
	Fallback     bool
	BeforeTokens int
	AfterTokens  int
	Threshold    int
}

const compactionSystemPrompt = "Summarize the conversation below into a compact paragraph preserving facts, " +
	"decisions, open questions, and file/tool state needed to continue the task. Do not include meta commentary."

// Compact implements §4.5 steps 2-7: partition messages, build a transcript,
// call the LLM once under a restricted output budget, persist the summary,
// rebuild the message list, and shrink long observations until under limit.
func Compact(ctx context.Context, chat core.ChatClient, ws core.WorkspaceStore, sessionID string, messages []core.ChatMessage, modelCfg config.ModelConfig, reason string, limit int) (compactionResult, error) {
	before := messagesTokens(messages)

	system, middle, lastUser := partitionMessages(messages)

	hasArtifactIndex := false
	for _, m := range middle {
		if strings.Contains(m.Content, "Workspace files:") {
			hasArtifactIndex = true
			break
		}
	}
	if !hasArtifactIndex && ws != nil {
		if idx, err := ws.ArtifactIndex(ctx, sessionID); err == nil && idx != "" {
			middle = append([]core.ChatMessage{{Role: "system", Content: idx}}, middle...)
		}
	}

	transcript := buildTranscript(middle)

	summary, fallback := summarizeTranscript(ctx, chat, transcript)

	if ws != nil {
		_ = ws.AppendChat(ctx, sessionID, core.ChatMessage{
			Role:    "system",
			Content: fmt.Sprintf("[compacted_until_ts:%s] %s", core.Now().Format("2006-01-02T15:04:05Z07:00"), summary),
		})
	}

	rebuilt := make([]core.ChatMessage, 0, 3)
	if system.Role != "" {
		rebuilt = append(rebuilt, system)
	}
	rebuilt = append(rebuilt, core.ChatMessage{Role: "user", Content: summary})
	if lastUser.Role != "" {
		rebuilt = append(rebuilt, lastUser)
	}

	rebuilt = shrinkObservations(rebuilt, limit)
	after := messagesTokens(rebuilt)

	return compactionResult{
		Messages:     rebuilt,
		Reason:       reason,
		Fallback:     fallback,
		BeforeTokens: before,
		AfterTokens:  after,
		Threshold:    limit,
	}, nil
}

// partitionMessages retains the leading system message and the latest user
// message unchanged; everything in between is the compaction candidate set.
func partitionMessages(messages []core.ChatMessage) (system core.ChatMessage, middle []core.ChatMessage, lastUser core.ChatMessage) {
	if len(messages) == 0 {
		return core.ChatMessage{}, nil, core.ChatMessage{}
	}
	start := 0
	if messages[0].Role == "system" {
		system = messages[0]
		start = 1
	}
	end := len(messages)
	lastUserIdx := -1
	for i := len(messages) - 1; i >= start; i-- {
		if messages[i].Role == "user" {
			lastUserIdx = i
			break
		}
	}
	if lastUserIdx >= 0 {
		lastUser = messages[lastUserIdx]
		end = lastUserIdx
	}
	if start < end {
		middle = append(middle, messages[start:end]...)
	}
	return system, middle, lastUser
}

const perMessageTokenCap = 400

// buildTranscript renders a "role: content" transcript from candidates,
// trimming each turn to a per-message token cap and stripping reasoning
// markers from assistant turns.
func buildTranscript(candidates []core.ChatMessage) string {
	var b strings.Builder
	for _, m := range candidates {
		content := StripToolTags(m.Content)
		if m.Role == "assistant" {
			content = stripReasoningMarkers(content)
		}
		content = truncateToTokens(content, perMessageTokenCap)
		fmt.Fprintf(&b, "%s: %s\n", m.Role, content)
	}
	return b.String()
}

func stripReasoningMarkers(s string) string {
	for _, tag := range []string{"reasoning", "think"} {
		open, close := "<"+tag+">", "</"+tag+">"
		for {
			i := strings.Index(s, open)
			if i < 0 {
				break
			}
			j := strings.Index(s[i:], close)
			if j < 0 {
				s = s[:i]
				break
			}
			s = s[:i] + s[i+j+len(close):]
		}
	}
	return s
}

func truncateToTokens(s string, maxTokens int) string {
	maxChars := maxTokens * 4
	if len(s) <= maxChars {
		return s
	}
	return s[:maxChars] + "...(truncated)"
}

func summarizeTranscript(ctx context.Context, chat core.ChatClient, transcript string) (summary string, fallback bool) {
	if chat == nil || transcript == "" {
		return localizedFallbackSummary(), true
	}
	messages := []core.ChatMessage{
		{Role: "system", Content: compactionSystemPrompt},
		{Role: "user", Content: transcript},
	}
	completion, err := chat.Complete(ctx, messages)
	if err != nil || strings.TrimSpace(completion.Content) == "" {
		return localizedFallbackSummary(), true
	}
	return truncateToTokens(completion.Content, CompactionSummaryMaxOutput), false
}

func localizedFallbackSummary() string {
	return "(earlier conversation summarized unavailable; continuing with recent context only)"
}

// shrinkObservations iteratively trims observation-prefixed message content
// down to CompactionMinObservationTokens until the total is under limit.
func shrinkObservations(messages []core.ChatMessage, limit int) []core.ChatMessage {
	for messagesTokens(messages) > limit {
		shrunkAny := false
		for i := range messages {
			if !strings.HasPrefix(messages[i].Content, ObservationPrefix) {
				continue
			}
			cur := EstimateTokens(messages[i].Content)
			if cur <= CompactionMinObservationTokens {
				continue
			}
			messages[i].Content = truncateToTokens(messages[i].Content, max(cur/2, CompactionMinObservationTokens))
			shrunkAny = true
		}
		if !shrunkAny {
			break
		}
	}
	return messages
}

// ApplyHistoryUsageReset implements the reset-mode semantics of §4.5 step 7.
func ApplyHistoryUsageReset(mode string, rebuiltTokens int, current int) int {
	switch mode {
	case "current":
		return rebuiltTokens
	case "keep":
		return current
	default: // "zero"
		return 0
	}
}
