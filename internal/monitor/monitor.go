// Package monitor implements the Monitor: the authoritative, crash-safe
// record of every session's lifecycle and events, backed by a batched
// async persistence queue, plus system/service metrics used by operators
// and the memory summarizer.
//
// Grounded on original_source/src/monitor.rs (batched write queue,
// panic-safety guard, sanitize-by-truncation, system/service metrics) more
// than on the teacher, which has no equivalent authoritative record — see
// DESIGN.md. The batched write queue is backed by
// github.com/joeycumines/go-microbatch's generic Batcher[Job].
package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/rs/zerolog"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/storage"
)

const recordTable = "monitor_records"

// Config controls persistence cadence and sanitization, per spec §4.6/§6.
type Config struct {
	// EventLimit bounds the number of MonitorEvents retained per session;
	// oldest are dropped past this limit. 0 means unlimited.
	EventLimit int
	// PayloadMaxChars truncates string fields in event data at this many
	// characters (character boundaries, not bytes). 0 means unlimited.
	PayloadMaxChars int
	// DropEventTypes names event types that are sanitized away entirely
	// (never appended to the in-memory/persisted log).
	DropEventTypes map[core.EventType]bool
	// PersistIntervalS is the minimum duration between non-forced persists
	// of a dirty session.
	PersistIntervalS time.Duration
	// BatchSize caps upserts flushed per write-queue iteration.
	BatchSize int
	// QueueSize bounds the write queue; overflow drops the oldest pending
	// entry and logs a warning for every such drop (the warning is not
	// rate-limited).
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.PersistIntervalS <= 0 {
		c.PersistIntervalS = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Monitor is the process-wide singleton authoritative session tracker.
type Monitor struct {
	cfg    Config
	store  *storage.Storage
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*core.SessionRecord
	// forceCancelled survives record deletion so purge semantics hold even
	// after a session record is removed from memory.
	forceCancelled map[string]bool

	writeQueue chan string
	batcher    *microbatch.Batcher[string]

	sysMu     sync.Mutex
	sysCache  SystemMetrics
	sysCached time.Time
}

// New constructs a Monitor and starts its background write-queue worker.
func New(store *storage.Storage, logger zerolog.Logger, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		cfg:            cfg,
		store:          store,
		logger:         logger.With().Str("component", "monitor").Logger(),
		sessions:       make(map[string]*core.SessionRecord),
		forceCancelled: make(map[string]bool),
		writeQueue:     make(chan string, cfg.QueueSize),
	}
	m.batcher = microbatch.NewBatcher[string](&microbatch.BatcherConfig{
		MaxSize:       cfg.BatchSize,
		FlushInterval: 100 * time.Millisecond,
	}, m.flushBatch)
	go m.pump()
	return m
}

// guard runs fn, recovering from any panic and returning fallback instead
// of propagating or poisoning shared state, per §9 "Panic safety in
// Monitor".
func (m *Monitor) guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("method", name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("monitor: recovered panic")
			err = fmt.Errorf("monitor: %s panicked: %v", name, r)
		}
	}()
	return fn()
}

// Register creates or resets a running record for sessionID, per §4.6.
// A fresh request against an existing terminal session increments rounds
// and resets stage/summary instead of replacing the record outright.
func (m *Monitor) Register(ctx context.Context, sessionID, userID, question string) (core.SessionRecord, error) {
	var out core.SessionRecord
	err := m.guard("Register", func() error {
		now := core.Now()
		m.mu.Lock()
		rec, exists := m.sessions[sessionID]
		if exists && rec.Status.Terminal() {
			rec.Status = core.StatusRunning
			rec.Rounds++
			rec.Stage = ""
			rec.Summary = ""
			rec.UpdatedTime = now
			rec.EndedTime = nil
			rec.CancelRequested = false
			rec.Dirty = true
			delete(m.forceCancelled, sessionID)
		} else if !exists {
			rec = &core.SessionRecord{
				SessionID:   sessionID,
				UserID:      userID,
				Question:    question,
				Status:      core.StatusRunning,
				StartTime:   now,
				UpdatedTime: now,
				Rounds:      1,
				Dirty:       true,
			}
			m.sessions[sessionID] = rec
		}
		m.mu.Unlock()

		evt := core.EventRoundStart
		_, err := m.recordEventLocked(sessionID, evt, map[string]any{"round": rec.Rounds, "question": question})
		if err != nil {
			return err
		}
		out = *rec
		m.enqueuePersist(sessionID, false)
		return nil
	})
	return out, err
}

// RecordEvent mutates stage/summary heuristically by event type, appends
// the sanitized event, and marks the record dirty. Satisfies
// eventstream.Recorder.
func (m *Monitor) RecordEvent(ctx context.Context, sessionID string, typ core.EventType, data map[string]any) (core.MonitorEvent, error) {
	var out core.MonitorEvent
	err := m.guard("RecordEvent", func() error {
		evt, err := m.recordEventLocked(sessionID, typ, data)
		if err != nil {
			return err
		}
		out = evt
		m.enqueuePersist(sessionID, false)
		return nil
	})
	return out, err
}

func (m *Monitor) recordEventLocked(sessionID string, typ core.EventType, data map[string]any) (core.MonitorEvent, error) {
	if m.cfg.DropEventTypes[typ] {
		// Dropped entirely: still needs an id-less acknowledgement so the
		// caller proceeds, but nothing is appended or persisted for it.
		return core.MonitorEvent{Type: typ, Timestamp: core.Now(), Data: nil}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[sessionID]
	if !ok {
		return core.MonitorEvent{}, fmt.Errorf("monitor: unknown session %q", sessionID)
	}

	rec.NextEventID++
	evt := core.MonitorEvent{
		ID:        rec.NextEventID,
		Timestamp: core.Now(),
		Type:      typ,
		Data:      sanitize(data, m.cfg.PayloadMaxChars),
	}
	rec.Events = append(rec.Events, evt)
	if m.cfg.EventLimit > 0 && len(rec.Events) > m.cfg.EventLimit {
		rec.Events = rec.Events[len(rec.Events)-m.cfg.EventLimit:]
	}
	applyStageHeuristic(rec, typ, data)
	rec.UpdatedTime = evt.Timestamp
	rec.Dirty = true

	if typ == core.EventTokenUsage {
		if v, ok := data["input"].(int); ok {
			rec.TokenUsage.Input += v
		}
		if v, ok := data["output"].(int); ok {
			rec.TokenUsage.Output += v
		}
		if v, ok := data["reasoning"].(int); ok {
			rec.TokenUsage.Reasoning += v
		}
	}

	return evt, nil
}

// applyStageHeuristic mutates stage/summary based on the event type, per
// §4.6 ("tool call -> stage tool_call, llm_request -> llm_request, final ->
// final, etc.").
func applyStageHeuristic(rec *core.SessionRecord, typ core.EventType, data map[string]any) {
	switch typ {
	case core.EventProgress:
		if stage, ok := data["stage"].(string); ok {
			rec.Stage = stage
		}
	case core.EventLLMRequest:
		rec.Stage = "llm_request"
	case core.EventLLMOutput:
		rec.Stage = "llm_output"
	case core.EventToolCall:
		rec.Stage = "tool_call"
		if name, ok := data["name"].(string); ok {
			rec.Summary = "calling " + name
		}
	case core.EventToolResult:
		rec.Stage = "tool_result"
	case core.EventCompaction:
		rec.Stage = "compacting"
	case core.EventA2UI:
		rec.Stage = "a2ui"
	case core.EventFinal:
		rec.Stage = "final"
		if ans, ok := data["answer"].(string); ok {
			rec.Summary = truncate(ans, 160)
		}
	case core.EventCancel:
		rec.Stage = "cancelling"
	case core.EventCancelled:
		rec.Stage = "cancelled"
	case core.EventError:
		rec.Stage = "error"
		if msg, ok := data["message"].(string); ok {
			rec.Summary = truncate(msg, 160)
		}
	case core.EventRestart:
		rec.Stage = "restart"
	case core.EventFinished:
		rec.Stage = "finished"
	}
}

// sanitize truncates string fields (including nested maps/slices) to
// maxChars characters at rune boundaries. maxChars<=0 disables truncation.
func sanitize(data map[string]any, maxChars int) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = sanitizeValue(v, maxChars)
	}
	return out
}

func sanitizeValue(v any, maxChars int) any {
	switch t := v.(type) {
	case string:
		return truncate(t, maxChars)
	case map[string]any:
		return sanitize(t, maxChars)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sanitizeValue(e, maxChars)
		}
		return out
	default:
		return v
	}
}

func truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxChars {
		return s
	}
	return string(r[:maxChars]) + "...(truncated)"
}

// MarkFinished transitions status -> finished and sets ended_time, forcing
// persistence per §4.6 ("forced: terminal transitions and cancellations").
func (m *Monitor) MarkFinished(ctx context.Context, sessionID string) error {
	return m.transition(ctx, sessionID, core.StatusFinished)
}

// MarkError transitions status -> error.
func (m *Monitor) MarkError(ctx context.Context, sessionID string) error {
	return m.transition(ctx, sessionID, core.StatusError)
}

// MarkCancelled transitions status -> cancelled.
func (m *Monitor) MarkCancelled(ctx context.Context, sessionID string) error {
	return m.transition(ctx, sessionID, core.StatusCancelled)
}

func (m *Monitor) transition(ctx context.Context, sessionID string, status core.SessionStatus) error {
	return m.guard("transition", func() error {
		m.mu.Lock()
		rec, ok := m.sessions[sessionID]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("monitor: unknown session %q", sessionID)
		}
		rec.Status = status
		now := core.Now()
		rec.UpdatedTime = now
		rec.EndedTime = &now
		rec.Dirty = true
		m.mu.Unlock()
		m.enqueuePersist(sessionID, true)
		return nil
	})
}

// Cancel is idempotent: only running -> cancelling succeeds. Returns true
// if this call performed the transition.
func (m *Monitor) Cancel(ctx context.Context, sessionID string) (bool, error) {
	var did bool
	err := m.guard("Cancel", func() error {
		m.mu.Lock()
		rec, ok := m.sessions[sessionID]
		if !ok {
			m.forceCancelled[sessionID] = true
			m.mu.Unlock()
			return nil
		}
		if rec.Status != core.StatusRunning {
			m.mu.Unlock()
			return nil
		}
		rec.Status = core.StatusCancelling
		rec.CancelRequested = true
		rec.UpdatedTime = core.Now()
		rec.Dirty = true
		m.forceCancelled[sessionID] = true
		m.mu.Unlock()

		if _, err := m.recordEventLocked(sessionID, core.EventCancel, map[string]any{}); err != nil {
			return err
		}
		m.enqueuePersist(sessionID, true)
		did = true
		return nil
	})
	return did, err
}

// IsCancelled is a cheap read including the forced-cancel set used for
// user purges (cancelling sessions the caller never separately tracked).
func (m *Monitor) IsCancelled(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.forceCancelled[sessionID] {
		return true
	}
	rec, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	return rec.CancelRequested || rec.Status == core.StatusCancelling || rec.Status == core.StatusCancelled
}

// PurgeUser force-cancels every in-flight session owned by userID, e.g. for
// account deletion / forced logout.
func (m *Monitor) PurgeUser(ctx context.Context, userID string) []string {
	m.mu.Lock()
	var ids []string
	for id, rec := range m.sessions {
		if rec.UserID == userID && !rec.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		_, _ = m.Cancel(ctx, id)
	}
	return ids
}

// ListSessions returns a snapshot of all (or only active) session records.
func (m *Monitor) ListSessions(activeOnly bool) []core.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		if activeOnly && rec.Status.Terminal() {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// GetDetail returns the full record (including events) for sessionID.
func (m *Monitor) GetDetail(sessionID string) (core.SessionRecord, bool) {
	return m.GetRecord(sessionID)
}

// GetRecord returns a snapshot of the record for sessionID.
func (m *Monitor) GetRecord(sessionID string) (core.SessionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return core.SessionRecord{}, false
	}
	return *rec, true
}

// ListRecords returns a snapshot of every known session record.
func (m *Monitor) ListRecords() []core.SessionRecord {
	return m.ListSessions(false)
}

// enqueuePersist schedules sessionID for persistence. If forced, the
// persistence always happens regardless of the dirty/interval gate inside
// flushBatch; otherwise flushBatch applies the gate itself.
func (m *Monitor) enqueuePersist(sessionID string, forced bool) {
	if forced {
		m.mu.Lock()
		if rec, ok := m.sessions[sessionID]; ok {
			rec.Dirty = true
		}
		m.mu.Unlock()
	}
	select {
	case m.writeQueue <- sessionID:
	default:
		// Queue saturated: drop the oldest pending entry to make room
		// rather than blocking the caller, per §4.6's overflow policy.
		select {
		case <-m.writeQueue:
			m.logger.Warn().Str("session_id", sessionID).Msg("monitor: write queue overflow, dropped oldest pending entry")
		default:
		}
		select {
		case m.writeQueue <- sessionID:
		default:
		}
	}
}

func (m *Monitor) pump() {
	ctx := context.Background()
	for sid := range m.writeQueue {
		if _, err := m.batcher.Submit(ctx, sid); err != nil {
			m.logger.Warn().Err(err).Str("session_id", sid).Msg("monitor: submit to write queue failed")
		}
	}
}

// flushBatch is the microbatch.BatchProcessor: for each distinct session id
// in the batch, persist once if dirty and either first persistence, the
// persist interval has elapsed, or a forced transition queued it.
func (m *Monitor) flushBatch(ctx context.Context, jobs []string) error {
	seen := make(map[string]bool, len(jobs))
	for _, sid := range jobs {
		if seen[sid] {
			continue
		}
		seen[sid] = true
		m.persistOne(ctx, sid)
	}
	return nil
}

func (m *Monitor) persistOne(ctx context.Context, sessionID string) {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok || !rec.Dirty {
		m.mu.Unlock()
		return
	}
	now := core.Now()
	firstPersist := rec.LastPersist.IsZero()
	forced := rec.Status.Terminal() || rec.Status == core.StatusCancelling
	elapsed := now.Sub(rec.LastPersist) >= m.cfg.PersistIntervalS
	if !firstPersist && !forced && !elapsed {
		m.mu.Unlock()
		return
	}
	snapshot := *rec
	rec.Dirty = false
	rec.LastPersist = now
	m.mu.Unlock()

	if err := m.store.Put(ctx, []string{recordTable, sessionID}, snapshot); err != nil {
		m.logger.Error().Err(err).Str("session_id", sessionID).Msg("monitor: persist failed")
		m.mu.Lock()
		if r, ok := m.sessions[sessionID]; ok {
			r.Dirty = true
		}
		m.mu.Unlock()
	}
}

// WarmHistory loads durable records from Storage into memory. It is
// idempotent and re-entrant: existing in-memory records are never
// overwritten by a stale persisted copy. When background is true the load
// runs in a goroutine and errors are only logged.
func (m *Monitor) WarmHistory(ctx context.Context, background bool) error {
	load := func() error {
		ids, err := m.store.List(ctx, []string{recordTable})
		if err != nil {
			return fmt.Errorf("monitor: warm history list: %w", err)
		}
		for _, id := range ids {
			var rec core.SessionRecord
			if err := m.store.Get(ctx, []string{recordTable, id}, &rec); err != nil {
				m.logger.Warn().Err(err).Str("session_id", id).Msg("monitor: warm history load failed")
				continue
			}
			m.mu.Lock()
			if _, exists := m.sessions[id]; !exists {
				rec.Dirty = false
				rec.LastPersist = core.Now()
				m.sessions[id] = &rec
			}
			m.mu.Unlock()
		}
		return nil
	}
	if background {
		go func() {
			if err := load(); err != nil {
				m.logger.Error().Err(err).Msg("monitor: background warm history failed")
			}
		}()
		return nil
	}
	return load()
}

// SystemMetrics is a cached snapshot of host resource usage.
type SystemMetrics struct {
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
	MemTotalBytes uint64    `json:"mem_total_bytes,omitempty"`
	MemUsedBytes  uint64    `json:"mem_used_bytes,omitempty"`
	DiskFreeBytes uint64    `json:"disk_free_bytes,omitempty"`
	LoadAvg1      float64   `json:"load_avg_1,omitempty"`
	ProcessRSS    uint64    `json:"process_rss_bytes"`
	NumGoroutine  int       `json:"num_goroutine"`
	SampledAt     time.Time `json:"sampled_at"`
}

// GetSystemMetrics returns a cached snapshot, refreshed at most once per
// second.
func (m *Monitor) GetSystemMetrics() SystemMetrics {
	m.sysMu.Lock()
	defer m.sysMu.Unlock()
	if time.Since(m.sysCached) < time.Second {
		return m.sysCache
	}
	m.sysCache = sampleSystemMetrics()
	m.sysCached = time.Now()
	return m.sysCache
}

func sampleSystemMetrics() SystemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out := SystemMetrics{
		MemUsedBytes: ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
		SampledAt:    time.Now(),
	}
	if load, err := readLoadAvg(); err == nil {
		out.LoadAvg1 = load
	}
	if rss, err := readProcessRSS(); err == nil {
		out.ProcessRSS = rss
	}
	return out
}

// readLoadAvg reads the 1-minute load average from /proc/loadavg. No
// ecosystem library in the retrieval pack targets cross-platform host
// metrics, so this one corner is stdlib + light /proc parsing (see
// DESIGN.md).
func readLoadAvg() (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("monitor: empty /proc/loadavg")
	}
	return strconv.ParseFloat(fields[0], 64)
}

func readProcessRSS() (uint64, error) {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				kb, err := strconv.ParseUint(fields[1], 10, 64)
				if err != nil {
					return 0, err
				}
				return kb * 1024, nil
			}
		}
	}
	return 0, fmt.Errorf("monitor: VmRSS not found")
}

// ServiceMetrics aggregates session outcomes over a trailing window.
type ServiceMetrics struct {
	Window           time.Duration  `json:"window"`
	CountByStatus    map[string]int `json:"count_by_status"`
	AvgElapsedMillis float64        `json:"avg_elapsed_millis"`
	AvgPrefillTPS    float64        `json:"avg_prefill_tokens_per_sec"`
	AvgDecodeTPS     float64        `json:"avg_decode_tokens_per_sec"`
}

// GetServiceMetrics aggregates over sessions started within window,
// deriving average prefill/decode throughput from llm_output/token_usage
// event pairs.
func (m *Monitor) GetServiceMetrics(window time.Duration) ServiceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := core.Now().Add(-window)
	out := ServiceMetrics{Window: window, CountByStatus: map[string]int{}}
	var elapsedSum float64
	var elapsedN int
	var prefillSum, decodeSum float64
	var prefillN, decodeN int

	for _, rec := range m.sessions {
		if rec.StartTime.Before(cutoff) {
			continue
		}
		out.CountByStatus[string(rec.Status)]++
		if rec.EndedTime != nil {
			elapsedSum += rec.EndedTime.Sub(rec.StartTime).Seconds() * 1000
			elapsedN++
		}
		p, d := derivedThroughput(rec.Events)
		if p > 0 {
			prefillSum += p
			prefillN++
		}
		if d > 0 {
			decodeSum += d
			decodeN++
		}
	}
	if elapsedN > 0 {
		out.AvgElapsedMillis = elapsedSum / float64(elapsedN)
	}
	if prefillN > 0 {
		out.AvgPrefillTPS = prefillSum / float64(prefillN)
	}
	if decodeN > 0 {
		out.AvgDecodeTPS = decodeSum / float64(decodeN)
	}
	return out
}

// derivedThroughput scans for llm_output/token_usage event pairs (matched
// by adjacency) and derives prefill/decode tokens-per-second from the token
// counts and durations recorded on the token_usage event.
func derivedThroughput(events []core.MonitorEvent) (prefillTPS, decodeTPS float64) {
	num := func(v any) float64 {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
		return 0
	}
	for i, evt := range events {
		if evt.Type != core.EventLLMOutput {
			continue
		}
		var usage core.MonitorEvent
		if i+1 < len(events) && events[i+1].Type == core.EventTokenUsage {
			usage = events[i+1]
		}
		prefillMs := num(usage.Data["prefill_ms"])
		decodeMs := num(usage.Data["decode_ms"])
		output := num(usage.Data["output"])
		input := num(usage.Data["input"])
		if prefillMs > 0 && input > 0 {
			prefillTPS = input / (prefillMs / 1000)
		}
		if decodeMs > 0 && output > 0 {
			decodeTPS = output / (decodeMs / 1000)
		}
	}
	return prefillTPS, decodeTPS
}

// Close stops the background write-queue worker, flushing any pending
// batch first.
func (m *Monitor) Close(ctx context.Context) error {
	close(m.writeQueue)
	return m.batcher.Shutdown(ctx)
}
