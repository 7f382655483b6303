package core

import "context"

// ChatPart is one structured piece of a ChatMessage's content. Image
// attachments are kept as structured parts; text attachments are inlined
// into Content with labels by the caller instead.
type ChatPart struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ChatMessage is one turn in the conversation sent to a ChatClient.
type ChatMessage struct {
	Role    string     `json:"role"` // system | user | assistant
	Content string     `json:"content,omitempty"`
	Parts   []ChatPart `json:"parts,omitempty"`
}

// ChatCompletion is what a ChatClient call returns. Usage may be nil if
// the provider didn't report it; callers estimate it in that case.
type ChatCompletion struct {
	Content   string
	Reasoning string
	Usage     *TokenUsage
}

// ChatClient is the external LLM provider contract (§4.9). Individual
// provider adapters (Claude/OpenAI/Ark via eino, in this repo's reference
// wiring) implement it.
type ChatClient interface {
	// Complete performs one blocking completion call.
	Complete(ctx context.Context, messages []ChatMessage) (ChatCompletion, error)
	// StreamComplete performs a streaming completion call, invoking onDelta
	// once per output token/chunk as it arrives.
	StreamComplete(ctx context.Context, messages []ChatMessage, onDelta func(delta string)) (ChatCompletion, error)
}

// ToolRegistry is the external tool execution contract (§4.9). Execute
// returns a JSON-shaped payload (either {ok,data,error?,sandbox?} as a
// map[string]any, or a bare value the core wraps via WrapToolResult).
type ToolRegistry interface {
	Execute(ctx context.Context, name string, args map[string]any) (any, error)
	// Has reports whether name is a known tool (independent of the
	// request's allow-list, which the orchestrator enforces itself).
	Has(name string) bool
}

// ArtifactLogEntry is one workspace artifact-log row: a file read/write, an
// executed command, or a script run recorded alongside a tool call.
type ArtifactLogEntry struct {
	Kind      string `json:"kind"` // file_read | file_write | command | script
	Path      string `json:"path,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WorkspaceStore is the external workspace filesystem-layout contract
// (§4.9). The orchestrator only ever talks to this interface, never to a
// filesystem directly.
type WorkspaceStore interface {
	// LoadHistory returns up to maxItems most recent chat turns for
	// sessionID, oldest first.
	LoadHistory(ctx context.Context, sessionID string, maxItems int) ([]ChatMessage, error)
	// AppendChat records one chat turn (user, assistant, or system) to the
	// session's durable history.
	AppendChat(ctx context.Context, sessionID string, msg ChatMessage) error
	// AppendArtifact records one artifact-log entry alongside a tool call.
	AppendArtifact(ctx context.Context, sessionID string, entry ArtifactLogEntry) error
	// LoadSystemPrompt returns a previously saved per-session system prompt
	// override, if any.
	LoadSystemPrompt(ctx context.Context, sessionID string) (string, bool, error)
	// SaveSystemPrompt persists the system prompt used for sessionID.
	SaveSystemPrompt(ctx context.Context, sessionID, prompt string) error
	// LoadTokenUsage returns the cumulative session token usage tracked by
	// the workspace (independent of the Monitor's own counter).
	LoadTokenUsage(ctx context.Context, sessionID string) (TokenUsage, error)
	// SaveTokenUsage persists cumulative session token usage.
	SaveTokenUsage(ctx context.Context, sessionID string, usage TokenUsage) error
	// ArtifactIndex returns a rendered summary of the workspace's current
	// file tree, suitable for injection as an auxiliary system message
	// during compaction.
	ArtifactIndex(ctx context.Context, sessionID string) (string, error)
	// ConfigVersion returns the workspace's current configuration version,
	// used as part of the prompt-composition cache key.
	ConfigVersion() string
}
