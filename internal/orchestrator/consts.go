package orchestrator

import "time"

// Constants named directly in spec §4/§5/§6, gathered here so the rest of
// the package reads as policy, not magic numbers.
const (
	// DefaultLLMTimeoutS is the per-call LLM timeout. invokeLLM applies it
	// to every call; a model's ModelConfig.TimeoutS is not consulted.
	DefaultLLMTimeoutS = 600

	// MinToolTimeoutS is the floor every per-tool timeout class is bounded
	// below by.
	MinToolTimeoutS = 5

	// ObservationPrefix is prepended to the serialized tool result appended
	// to the message list after a tool call.
	ObservationPrefix = "<observation>"

	// CompactionSummaryMaxOutput bounds the compaction LLM call's output.
	CompactionSummaryMaxOutput = 800

	// CompactionMinObservationTokens floors how far an observation message's
	// content is shrunk while post-compaction messages are trimmed to fit.
	CompactionMinObservationTokens = 64

	// SessionLockTTL is the minimum lease TTL (§5: "Session lock TTL >= 60s
	// with heartbeat every TTL/3").
	SessionLockTTL = 90 * time.Second

	// HeartbeatInterval is TTL/3, per §4.2.
	HeartbeatInterval = SessionLockTTL / 3

	// CancellationPollInterval is how often long-running awaits re-check
	// is_cancelled via the select-race pattern of §5.
	CancellationPollInterval = 200 * time.Millisecond

	finalResponseTool  = "final_response"
	finalResponseToolZH = "最终回复"
	a2uiTool           = "a2ui"
)
