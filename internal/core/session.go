package core

import "time"

// SessionStatus is the closed set of lifecycle states a session passes
// through. It advances monotonically: running -> (cancelling)? ->
// {finished|error|cancelled}.
type SessionStatus string

const (
	StatusRunning    SessionStatus = "running"
	StatusCancelling SessionStatus = "cancelling"
	StatusCancelled  SessionStatus = "cancelled"
	StatusFinished   SessionStatus = "finished"
	StatusError      SessionStatus = "error"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusFinished, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// EventType is the closed vocabulary of Monitor Event / Stream Event types.
type EventType string

const (
	EventRoundStart     EventType = "round_start"
	EventProgress       EventType = "progress"
	EventLLMRequest     EventType = "llm_request"
	EventLLMOutputDelta EventType = "llm_output_delta"
	EventLLMOutput      EventType = "llm_output"
	EventTokenUsage     EventType = "token_usage"
	EventToolCall       EventType = "tool_call"
	EventToolResult     EventType = "tool_result"
	EventPlanUpdate     EventType = "plan_update"
	EventCompaction     EventType = "compaction"
	EventA2UI           EventType = "a2ui"
	EventFinal          EventType = "final"
	EventCancel         EventType = "cancel"
	EventCancelled      EventType = "cancelled"
	EventError          EventType = "error"
	EventRestart        EventType = "restart"
	EventFinished       EventType = "finished"
)

// MonitorEvent is one entry in a session's authoritative event log.
// Event ids are strictly increasing within one session.
type MonitorEvent struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data"`
}

// StreamEvent is what clients observe over the Event Transport. Data is
// the event's payload enriched with session_id/timestamp.
type StreamEvent struct {
	Event     EventType      `json:"event"`
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// SessionRecord is the authoritative per-session document maintained by
// the Monitor.
type SessionRecord struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Question  string `json:"question"`

	Status          SessionStatus `json:"status"`
	Stage           string        `json:"stage"`
	Summary         string        `json:"summary"`
	StartTime       time.Time     `json:"start_time"`
	UpdatedTime     time.Time     `json:"updated_time"`
	EndedTime       *time.Time    `json:"ended_time,omitempty"`
	Rounds          int           `json:"rounds"`
	CancelRequested bool          `json:"cancel_requested"`
	TokenUsage      TokenUsage    `json:"token_usage"`

	Events []MonitorEvent `json:"events"`

	// persistence bookkeeping, not part of the public view
	Dirty        bool      `json:"-"`
	LastPersist  time.Time `json:"-"`
	NextEventID  int64     `json:"-"`
}

// ToolResultPayload is the normalized shape every tool invocation produces,
// whether or not the underlying tool itself returns it in this shape.
type ToolResultPayload struct {
	OK        bool      `json:"ok"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Sandbox   bool      `json:"sandbox,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WrapToolResult normalizes an arbitrary tool return value into a
// ToolResultPayload. If raw is already shaped like {ok,data,error,sandbox}
// (as a map[string]any) those fields are used directly; otherwise raw is
// wrapped as {ok:true, data:{result:raw}}.
func WrapToolResult(raw any, err error) ToolResultPayload {
	now := Now()
	if err != nil {
		return ToolResultPayload{OK: false, Error: err.Error(), Timestamp: now}
	}
	if m, ok := raw.(map[string]any); ok {
		if _, hasOK := m["ok"]; hasOK {
			if _, hasData := m["data"]; hasData || m["error"] != nil {
				payload := ToolResultPayload{Timestamp: now}
				if ok, _ := m["ok"].(bool); ok {
					payload.OK = ok
				}
				payload.Data = m["data"]
				if e, ok := m["error"].(string); ok {
					payload.Error = e
				}
				if sb, ok := m["sandbox"].(bool); ok {
					payload.Sandbox = sb
				}
				return payload
			}
		}
	}
	return ToolResultPayload{OK: true, Data: map[string]any{"result": raw}, Timestamp: now}
}

// SessionLockRow is the Storage-backed lease row for a session.
type SessionLockRow struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Expired reports whether the lease is eligible for takeover given ttl.
func (r SessionLockRow) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(r.HeartbeatAt) > ttl
}

// MemoryStatus is the closed set of memory task lifecycle states.
type MemoryStatus string

const (
	MemoryQueued  MemoryStatus = "queued"
	MemoryRunning MemoryStatus = "running"
	MemoryDone    MemoryStatus = "done"
	MemoryFailed  MemoryStatus = "failed"
)

// MemoryRecord is one per-user long-term memory distillate.
type MemoryRecord struct {
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Summary     string    `json:"summary"`
	CreatedTime time.Time `json:"created_time"`
	UpdatedTime time.Time `json:"updated_time"`
}

// MemoryTask is one summarization job, tracked for audit/log purposes.
type MemoryTask struct {
	TaskID         string         `json:"task_id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id"`
	QueuedTime     time.Time      `json:"queued_time"`
	Status         MemoryStatus   `json:"status"`
	StartTime      *time.Time     `json:"start_time,omitempty"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
	RequestPayload map[string]any `json:"request_payload,omitempty"`
	Result         string         `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`

	// Seq is a strictly increasing tiebreaker for FIFO ordering when two
	// tasks share the same QueuedTime; assigned by the enqueuer.
	Seq int64 `json:"-"`
}
