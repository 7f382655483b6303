// Package core defines the engine's data model: requests, session records,
// monitor events, stream events, tool results, locks, and memory records.
package core

import "time"

// Attachment is a single request attachment. Content is either a data-url
// (for images/binary) or inline text.
type Attachment struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// Request is the input to the core, as submitted by any client (HTTP,
// CLI, cron, evaluation harness, or throughput profiler — they all
// construct the same Request and call the same entry point).
type Request struct {
	UserID          string            `json:"user_id"`
	Question        string            `json:"question"`
	SessionID       string            `json:"session_id,omitempty"`
	ToolNames       []string          `json:"tool_names,omitempty"`
	SkipToolCalls   bool              `json:"skip_tool_calls,omitempty"`
	Stream          bool              `json:"stream"`
	ModelName       string            `json:"model_name,omitempty"`
	Language        string            `json:"language,omitempty"`
	ConfigOverrides map[string]any    `json:"config_overrides,omitempty"`
	Attachments     []Attachment      `json:"attachments,omitempty"`
}

// PreparedRequest is the validated, normalized request the orchestrator
// loop actually consumes.
type PreparedRequest struct {
	SessionID       string
	UserID          string
	Question        string
	ToolNames       []string
	SkipToolCalls   bool
	Stream          bool
	ModelName       string
	Language        string
	ConfigOverrides map[string]any
	Attachments     []Attachment
	GeneratedID     bool
}

// Response is the non-streaming response shape.
type Response struct {
	SessionID  string     `json:"session_id"`
	Answer     string     `json:"answer"`
	Usage      TokenUsage `json:"usage"`
	StopReason StopReason `json:"stop_reason"`
	UID        string     `json:"uid,omitempty"`
	A2UI       any        `json:"a2ui,omitempty"`
}

// StopReason enumerates the reasons a session produced its final answer.
type StopReason string

const (
	StopModelResponse StopReason = "model_response"
	StopFinalTool     StopReason = "final_tool"
	StopA2UI          StopReason = "a2ui"
	StopMaxRounds      StopReason = "max_rounds"
)

// TokenUsage mirrors the per-message usage shape, plus cumulative session
// totals tracked on the SessionRecord.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning,omitempty"`
}

// Total returns the sum of all counted token categories.
func (t TokenUsage) Total() int {
	return t.Input + t.Output + t.Reasoning
}

// Add returns the element-wise sum of two TokenUsage values.
func (t TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:     t.Input + o.Input,
		Output:    t.Output + o.Output,
		Reasoning: t.Reasoning + o.Reasoning,
	}
}

// Now is the engine's single time source, overridable in tests.
var Now = func() time.Time { return time.Now().UTC() }
