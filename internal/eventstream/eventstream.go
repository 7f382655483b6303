// Package eventstream implements the Event Transport: an in-memory channel
// per session backed by a persistent overflow journal, guaranteeing
// in-order delivery and resume from any prior event id.
//
// Grounded on the teacher's internal/event/bus.go pub/sub, rebuilt around a
// watermill gochannel publisher/subscriber pair per session topic with a
// monotonic id generator, Monitor-before-emit ordering, and an overflow
// journal backed by internal/storage. The Stream Pump's polling loop uses
// github.com/joeycumines/go-longpoll's Channel helper.
package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/joeycumines/go-longpoll"
	"github.com/rs/zerolog"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/storage"
)

const journalTable = "stream_events"

// Recorder is the subset of the Monitor contract the emitter needs:
// record the event authoritatively before it becomes visible on the
// stream.
type Recorder interface {
	RecordEvent(ctx context.Context, sessionID string, typ core.EventType, data map[string]any) (core.MonitorEvent, error)
}

// journalRow is the persisted shape of one overflowed stream event.
type journalRow struct {
	SessionID string         `json:"session_id"`
	EventID   int64          `json:"event_id"`
	UserID    string         `json:"user_id"`
	Payload   map[string]any `json:"payload"`
	EventType core.EventType `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config controls the queue size and overflow TTL, per §4.3/§6.
type Config struct {
	QueueSize  int           // STREAM_QUEUE_SIZE, default 128
	EventTTL   time.Duration // STREAM_EVENT_TTL_S, no default; 0 disables journaling
	PruneEvery time.Duration // rate-limited prune cadence, default 1m
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.PruneEvery <= 0 {
		c.PruneEvery = time.Minute
	}
	return c
}

// Transport owns the per-session emitters and the shared watermill pub/sub.
type Transport struct {
	cfg    Config
	store  *storage.Storage
	logger zerolog.Logger

	ps *gochannel.GoChannel

	mu       sync.Mutex
	sessions map[string]*Emitter

	lastPrune atomic.Int64 // unix nanos
}

// New constructs a Transport.
func New(store *storage.Storage, logger zerolog.Logger, cfg Config) *Transport {
	cfg = cfg.withDefaults()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: int64(cfg.QueueSize)}, watermill.NopLogger{})
	return &Transport{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		ps:       ps,
		sessions: make(map[string]*Emitter),
	}
}

// Emitter owns one session's monotonic event id and publishes into the
// shared transport.
type Emitter struct {
	t         *Transport
	sessionID string
	userID    string
	recorder  Recorder
	nextID    atomic.Int64
	closed    atomic.Bool
}

// NewEmitter returns (or reuses) the Emitter for sessionID.
func (t *Transport) NewEmitter(sessionID, userID string, recorder Recorder) *Emitter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.sessions[sessionID]; ok {
		return e
	}
	e := &Emitter{t: t, sessionID: sessionID, userID: userID, recorder: recorder}
	t.sessions[sessionID] = e
	return e
}

func topicFor(sessionID string) string { return "session." + sessionID }

// Emit implements the five-step protocol of §4.3: record into Monitor,
// assign the next id, enrich the payload, attempt a non-blocking publish,
// and fall back to the overflow journal if the channel can't absorb it.
func (e *Emitter) Emit(ctx context.Context, typ core.EventType, data map[string]any) (core.StreamEvent, error) {
	mevt, err := e.recorder.RecordEvent(ctx, e.sessionID, typ, data)
	if err != nil {
		return core.StreamEvent{}, fmt.Errorf("eventstream: monitor record failed: %w", err)
	}

	id := e.nextID.Add(1)
	enriched := map[string]any{}
	for k, v := range data {
		enriched[k] = v
	}
	enriched["session_id"] = e.sessionID
	enriched["timestamp"] = mevt.Timestamp

	se := core.StreamEvent{Event: typ, ID: id, Timestamp: mevt.Timestamp, Data: enriched}

	if e.closed.Load() {
		return se, e.journal(ctx, se)
	}

	payload, err := json.Marshal(se)
	if err != nil {
		return se, fmt.Errorf("eventstream: marshal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)

	if err := e.t.ps.Publish(topicFor(e.sessionID), msg); err != nil {
		// Channel full or subscriber slow: persist to the overflow journal
		// so a resuming/reconnecting client can still observe it.
		if jerr := e.journal(ctx, se); jerr != nil {
			return se, jerr
		}
	}

	e.t.maybePrune(ctx)
	return se, nil
}

func (e *Emitter) journal(ctx context.Context, se core.StreamEvent) error {
	if e.t.cfg.EventTTL <= 0 {
		// TTL 0 means journaling is effectively disabled: events that
		// overflow the in-memory channel may stall a slow client, but no
		// gap is ever fabricated (see spec open question resolution).
		return nil
	}
	row := journalRow{
		SessionID: e.sessionID,
		EventID:   se.ID,
		UserID:    e.userID,
		Payload:   se.Data,
		EventType: se.Event,
		Timestamp: se.Timestamp,
	}
	key := fmt.Sprintf("%020d", se.ID)
	return e.t.store.Put(ctx, []string{journalTable, e.sessionID, key}, row)
}

// Close marks the emitter closed: further emits skip the in-memory channel
// and only record to Monitor + the overflow journal.
func (e *Emitter) Close() {
	e.closed.Store(true)
	e.t.mu.Lock()
	defer e.t.mu.Unlock()
	e.t.ps.Close()
}

// maybePrune opportunistically removes journal rows older than EventTTL,
// rate-limited to PruneEvery.
func (t *Transport) maybePrune(ctx context.Context) {
	if t.cfg.EventTTL <= 0 {
		return
	}
	now := time.Now().UnixNano()
	last := t.lastPrune.Load()
	if time.Duration(now-last) < t.cfg.PruneEvery {
		return
	}
	if !t.lastPrune.CompareAndSwap(last, now) {
		return
	}
	go t.pruneExpired(ctx)
}

func (t *Transport) pruneExpired(ctx context.Context) {
	sessions, err := t.store.List(ctx, []string{journalTable})
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-t.cfg.EventTTL)
	for _, sid := range sessions {
		keys, err := t.store.List(ctx, []string{journalTable, sid})
		if err != nil {
			continue
		}
		for _, k := range keys {
			var row journalRow
			if err := t.store.Get(ctx, []string{journalTable, sid, k}, &row); err != nil {
				continue
			}
			if row.Timestamp.Before(cutoff) {
				_ = t.store.Delete(ctx, []string{journalTable, sid, k})
			}
		}
	}
}

// DrainJournal reads journaled events for sessionID with id in (after, ...)
// in increasing order.
func (t *Transport) DrainJournal(ctx context.Context, sessionID string, after int64) ([]core.StreamEvent, error) {
	keys, err := t.store.List(ctx, []string{journalTable, sessionID})
	if err != nil {
		return nil, err
	}
	var out []core.StreamEvent
	for _, k := range keys {
		var row journalRow
		if err := t.store.Get(ctx, []string{journalTable, sessionID, k}, &row); err != nil {
			continue
		}
		if row.EventID <= after {
			continue
		}
		out = append(out, core.StreamEvent{Event: row.EventType, ID: row.EventID, Timestamp: row.Timestamp, Data: row.Payload})
	}
	sortStreamEvents(out)
	return out, nil
}

func sortStreamEvents(events []core.StreamEvent) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].ID < events[j-1].ID; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// Pump is the per-request task that forwards events to a client, pulling
// from the overflow journal on gap detection or channel starvation.
type Pump struct {
	t         *Transport
	sessionID string
	deliver   func(core.StreamEvent) error
	delivered int64
}

// NewPump constructs a Pump for sessionID. deliver is called once per event
// in strictly increasing id order; it must not block indefinitely.
func NewPump(t *Transport, sessionID string, afterEventID int64, deliver func(core.StreamEvent) error) *Pump {
	return &Pump{t: t, sessionID: sessionID, deliver: deliver, delivered: afterEventID}
}

// Run drains the in-memory channel (falling back to journal polling when
// it is empty or a gap is detected) until ctx is cancelled or the session
// reaches a terminal IsDone state and the journal is fully drained.
func (p *Pump) Run(ctx context.Context, isDone func() bool) error {
	sub, err := p.t.ps.Subscribe(ctx, topicFor(p.sessionID))
	if err != nil {
		return fmt.Errorf("eventstream: subscribe: %w", err)
	}

	pollInterval := 100 * time.Millisecond
	cfg := &longpoll.ChannelConfig{MaxSize: 32, MinSize: -1, PartialTimeout: pollInterval}

	for {
		err := longpoll.Channel(ctx, cfg, sub, func(msg *message.Message) error {
			var se core.StreamEvent
			if err := json.Unmarshal(msg.Payload, &se); err != nil {
				msg.Ack()
				return nil
			}
			if err := p.deliverWithGapFill(ctx, se); err != nil {
				return err
			}
			msg.Ack()
			return nil
		})
		if err != nil {
			if err.Error() == "EOF" {
				return p.drainRemainder(ctx)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if isDone != nil && isDone() {
			return p.drainRemainder(ctx)
		}

		// Channel starved: poll the overflow journal so anything that
		// overflowed still reaches the client.
		if err := p.drainRemainder(ctx); err != nil {
			return err
		}
	}
}

func (p *Pump) deliverWithGapFill(ctx context.Context, se core.StreamEvent) error {
	if se.ID > p.delivered+1 {
		events, err := p.t.DrainJournal(ctx, p.sessionID, p.delivered)
		if err != nil {
			return err
		}
		for _, je := range events {
			if je.ID <= p.delivered {
				continue
			}
			if err := p.deliver(je); err != nil {
				return err
			}
			p.delivered = je.ID
		}
	}
	if se.ID <= p.delivered {
		return nil
	}
	if err := p.deliver(se); err != nil {
		return err
	}
	p.delivered = se.ID
	return nil
}

func (p *Pump) drainRemainder(ctx context.Context) error {
	events, err := p.t.DrainJournal(ctx, p.sessionID, p.delivered)
	if err != nil {
		return err
	}
	for _, je := range events {
		if err := p.deliver(je); err != nil {
			return err
		}
		p.delivered = je.ID
	}
	return nil
}

// Resume implements §4.3's "resume from arbitrary after_event_id": a
// background poller reads the overflow journal for ids > after_event_id,
// forwards them, and continues polling while the session is still
// running/cancelling.
func Resume(ctx context.Context, t *Transport, sessionID string, afterEventID int64, isRunning func() bool, deliver func(core.StreamEvent) error) error {
	delivered := afterEventID
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		events, err := t.DrainJournal(ctx, sessionID, delivered)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := deliver(e); err != nil {
				return err
			}
			delivered = e.ID
		}
		if !isRunning() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
