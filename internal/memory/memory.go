// Package memory implements the Memory Summarizer: after a session ends,
// it produces a one-paragraph long-term memory entry per session and makes
// recent entries available as future prompt context.
//
// Grounded on original_source/src/memory.rs (priority queue by queued_time,
// FIFO eviction to max_records, normalize_summary idempotence, tagged
// <memory_summary> extraction; output without the tag is kept whole) — see
// DESIGN.md.
// The priority queue itself uses stdlib container/heap: no ecosystem
// priority-queue library appears anywhere in the retrieval pack.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/storage"
)

const (
	recordTable  = "memory_records"
	taskLogTable = "memory_task_logs"

	summarizePrompt = "Summarize the following conversation in one paragraph of durable, " +
		"user-scoped facts and preferences worth remembering for future sessions. " +
		"Wrap the result in <memory_summary>...</memory_summary>."
)

// Config controls eviction and history bookkeeping, per §4.7/§6.
type Config struct {
	MaxRecordsPerUser int // default 30
	TaskHistoryLimit  int // bounded history of recent tasks, default 100
}

func (c Config) withDefaults() Config {
	if c.MaxRecordsPerUser <= 0 {
		c.MaxRecordsPerUser = 30
	}
	if c.TaskHistoryLimit <= 0 {
		c.TaskHistoryLimit = 100
	}
	return c
}

// Summarizer is the single-worker priority-queue pipeline.
type Summarizer struct {
	cfg    Config
	store  *storage.Storage
	chat   core.ChatClient
	ws     core.WorkspaceStore
	logger zerolog.Logger

	mu   sync.Mutex
	pq   taskQueue
	wake chan struct{}
	seq  atomic.Int64

	taskHistMu sync.Mutex
	taskHist   []core.MemoryTask

	closeOnce sync.Once
	done      chan struct{}
}

// New constructs a Summarizer and starts its single worker goroutine. chat
// is the bounded-output, single-round LLM used only for summarization; ws
// is consulted to build the summary input when RequestPayload is absent.
func New(store *storage.Storage, chat core.ChatClient, ws core.WorkspaceStore, logger zerolog.Logger, cfg Config) *Summarizer {
	s := &Summarizer{
		cfg:    cfg.withDefaults(),
		store:  store,
		chat:   chat,
		ws:     ws,
		logger: logger.With().Str("component", "memory").Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// taskQueue is a container/heap.Interface ordered by QueuedTime then Seq
// (a strictly increasing tiebreaker assigned at enqueue time).
type taskQueue []*core.MemoryTask

func (q taskQueue) Len() int { return len(q) }
func (q taskQueue) Less(i, j int) bool {
	if q[i].QueuedTime.Equal(q[j].QueuedTime) {
		return q[i].Seq < q[j].Seq
	}
	return q[i].QueuedTime.Before(q[j].QueuedTime)
}
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *taskQueue) Push(x any)   { *q = append(*q, x.(*core.MemoryTask)) }
func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Enqueue schedules a summarization task for sessionID, called by the
// orchestrator at final-event time when memory is enabled for userID.
func (s *Summarizer) Enqueue(ctx context.Context, userID, sessionID string, requestPayload map[string]any) (string, error) {
	task := &core.MemoryTask{
		TaskID:         fmt.Sprintf("mem-%s-%d", sessionID, s.seq.Load()),
		UserID:         userID,
		SessionID:      sessionID,
		QueuedTime:     core.Now(),
		Status:         core.MemoryQueued,
		RequestPayload: requestPayload,
		Seq:            s.seq.Add(1),
	}
	s.mu.Lock()
	heap.Push(&s.pq, task)
	s.mu.Unlock()
	s.appendTaskLog(ctx, *task)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return task.TaskID, nil
}

func (s *Summarizer) run() {
	ctx := context.Background()
	for {
		task := s.popNext()
		if task == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		s.process(ctx, task)
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Summarizer) popNext() *core.MemoryTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pq.Len() == 0 {
		return nil
	}
	return heap.Pop(&s.pq).(*core.MemoryTask)
}

func (s *Summarizer) process(ctx context.Context, task *core.MemoryTask) {
	now := core.Now()
	task.Status = core.MemoryRunning
	task.StartTime = &now
	s.appendTaskLog(ctx, *task)

	messages, err := s.buildInput(ctx, task)
	if err != nil {
		s.fail(ctx, task, err)
		return
	}

	completion, err := s.chat.Complete(ctx, messages)
	if err != nil {
		s.fail(ctx, task, err)
		return
	}

	summary := NormalizeSummary(completion.Content)
	if err := s.upsert(ctx, task.UserID, task.SessionID, summary); err != nil {
		s.fail(ctx, task, err)
		return
	}

	end := core.Now()
	task.Status = core.MemoryDone
	task.EndTime = &end
	task.Result = summary
	s.appendTaskLog(ctx, *task)
}

func (s *Summarizer) fail(ctx context.Context, task *core.MemoryTask, err error) {
	end := core.Now()
	task.Status = core.MemoryFailed
	task.EndTime = &end
	task.Error = err.Error()
	s.appendTaskLog(ctx, *task)
	s.logger.Warn().Err(err).Str("task_id", task.TaskID).Msg("memory: summarization task failed")
}

// buildInput constructs the summary prompt from the captured request
// messages, falling back to workspace history when RequestPayload is
// absent.
func (s *Summarizer) buildInput(ctx context.Context, task *core.MemoryTask) ([]core.ChatMessage, error) {
	var transcript strings.Builder
	if raw, ok := task.RequestPayload["messages"].([]any); ok && len(raw) > 0 {
		for _, m := range raw {
			if mm, ok := m.(map[string]any); ok {
				role, _ := mm["role"].(string)
				content, _ := mm["content"].(string)
				fmt.Fprintf(&transcript, "%s: %s\n", role, content)
			}
		}
	} else if s.ws != nil {
		history, err := s.ws.LoadHistory(ctx, task.SessionID, 50)
		if err != nil {
			return nil, fmt.Errorf("memory: load workspace history: %w", err)
		}
		for _, m := range history {
			fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		}
	}
	return []core.ChatMessage{
		{Role: "system", Content: summarizePrompt},
		{Role: "user", Content: transcript.String()},
	}, nil
}

var memorySummaryTag = regexp.MustCompile(`(?s)<memory_summary>(.*?)</memory_summary>`)
var toolTag = regexp.MustCompile(`(?s)<tool(_call)?>.*?</tool(_call)?>`)

// NormalizeSummary extracts tagged <memory_summary> blocks if present,
// strips tool tags, joins remaining segments, and trims whitespace. It is
// idempotent: NormalizeSummary(NormalizeSummary(x)) == NormalizeSummary(x).
func NormalizeSummary(raw string) string {
	matches := memorySummaryTag.FindAllStringSubmatch(raw, -1)
	var segments []string
	if len(matches) > 0 {
		for _, m := range matches {
			segments = append(segments, strings.TrimSpace(m[1]))
		}
	} else {
		segments = []string{raw}
	}
	joined := strings.Join(segments, "\n")
	joined = toolTag.ReplaceAllString(joined, "")
	return strings.TrimSpace(joined)
}

// upsert writes a MemoryRecord for (userID, sessionID), then evicts the
// oldest records past cfg.MaxRecordsPerUser (FIFO by CreatedTime).
func (s *Summarizer) upsert(ctx context.Context, userID, sessionID, summary string) error {
	now := core.Now()
	rec := core.MemoryRecord{UserID: userID, SessionID: sessionID, Summary: summary, CreatedTime: now, UpdatedTime: now}

	var existing core.MemoryRecord
	if err := s.store.Get(ctx, []string{recordTable, userID, sessionID}, &existing); err == nil {
		rec.CreatedTime = existing.CreatedTime
	}

	if err := s.store.Put(ctx, []string{recordTable, userID, sessionID}, rec); err != nil {
		return fmt.Errorf("memory: upsert record: %w", err)
	}
	return s.evictOldest(ctx, userID)
}

func (s *Summarizer) evictOldest(ctx context.Context, userID string) error {
	ids, err := s.store.List(ctx, []string{recordTable, userID})
	if err != nil {
		return fmt.Errorf("memory: list records: %w", err)
	}
	if len(ids) <= s.cfg.MaxRecordsPerUser {
		return nil
	}
	records := make([]core.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		var rec core.MemoryRecord
		if err := s.store.Get(ctx, []string{recordTable, userID, id}, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].CreatedTime.Before(records[j-1].CreatedTime); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
	excess := len(records) - s.cfg.MaxRecordsPerUser
	for i := 0; i < excess; i++ {
		_ = s.store.Delete(ctx, []string{recordTable, userID, records[i].SessionID})
	}
	return nil
}

// Recent returns the most recent memory records for userID, time-tagged,
// for prompt-composition injection (§4.7 "Prompt integration").
func (s *Summarizer) Recent(ctx context.Context, userID string, limit int) ([]core.MemoryRecord, error) {
	ids, err := s.store.List(ctx, []string{recordTable, userID})
	if err != nil {
		return nil, fmt.Errorf("memory: list records: %w", err)
	}
	records := make([]core.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		var rec core.MemoryRecord
		if err := s.store.Get(ctx, []string{recordTable, userID, id}, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && records[j].CreatedTime.After(records[j-1].CreatedTime); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *Summarizer) appendTaskLog(ctx context.Context, task core.MemoryTask) {
	_ = s.store.Put(ctx, []string{taskLogTable, task.TaskID}, task)

	s.taskHistMu.Lock()
	defer s.taskHistMu.Unlock()
	replaced := false
	for i, t := range s.taskHist {
		if t.TaskID == task.TaskID {
			s.taskHist[i] = task
			replaced = true
			break
		}
	}
	if !replaced {
		s.taskHist = append(s.taskHist, task)
	}
	if len(s.taskHist) > s.cfg.TaskHistoryLimit {
		s.taskHist = s.taskHist[len(s.taskHist)-s.cfg.TaskHistoryLimit:]
	}
}

// RecentTasks returns the bounded in-memory window of recent task states.
func (s *Summarizer) RecentTasks() []core.MemoryTask {
	s.taskHistMu.Lock()
	defer s.taskHistMu.Unlock()
	out := make([]core.MemoryTask, len(s.taskHist))
	copy(out, s.taskHist)
	return out
}

// Close stops the worker goroutine after its current task (if any) drains.
func (s *Summarizer) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
