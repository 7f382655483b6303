package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/storage"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	store := storage.New(t.TempDir())
	m := New(store, zerolog.Nop(), Config{PersistIntervalS: 5 * time.Millisecond})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestMonitor_RegisterThenRecordEvent_IDsStartAtOne(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	_, err := m.Register(ctx, "s1", "u1", "hello")
	require.NoError(t, err)

	evt, err := m.RecordEvent(ctx, "s1", core.EventLLMRequest, map[string]any{"round": 1})
	require.NoError(t, err)
	require.Equal(t, int64(2), evt.ID) // round_start from Register consumed id 1

	rec, ok := m.GetDetail("s1")
	require.True(t, ok)
	require.Equal(t, core.StatusRunning, rec.Status)
	require.Len(t, rec.Events, 2)
	require.Equal(t, int64(1), rec.Events[0].ID)
	require.Equal(t, int64(2), rec.Events[1].ID)
}

func TestMonitor_RegisterOnTerminalSession_IncrementsRounds(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()

	_, err := m.Register(ctx, "s1", "u1", "q1")
	require.NoError(t, err)
	require.NoError(t, m.MarkFinished(ctx, "s1"))

	rec, err := m.Register(ctx, "s1", "u1", "q2")
	require.NoError(t, err)
	require.Equal(t, 2, rec.Rounds)
	require.Equal(t, core.StatusRunning, rec.Status)
}

func TestMonitor_Cancel_Idempotent(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()
	_, err := m.Register(ctx, "s1", "u1", "q")
	require.NoError(t, err)

	did, err := m.Cancel(ctx, "s1")
	require.NoError(t, err)
	require.True(t, did)
	require.True(t, m.IsCancelled("s1"))

	did2, err := m.Cancel(ctx, "s1")
	require.NoError(t, err)
	require.False(t, did2)
}

func TestMonitor_FinalStatus_AlwaysTerminal(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()
	_, err := m.Register(ctx, "s1", "u1", "q")
	require.NoError(t, err)
	require.NoError(t, m.MarkFinished(ctx, "s1"))

	rec, ok := m.GetRecord("s1")
	require.True(t, ok)
	require.True(t, rec.Status.Terminal())
	require.NotNil(t, rec.EndedTime)
}

func TestMonitor_SanitizeTruncatesPayload(t *testing.T) {
	m := newTestMonitor(t)
	m.cfg.PayloadMaxChars = 5
	ctx := context.Background()
	_, err := m.Register(ctx, "s1", "u1", "q")
	require.NoError(t, err)

	evt, err := m.RecordEvent(ctx, "s1", core.EventLLMOutput, map[string]any{"text": "abcdefghij"})
	require.NoError(t, err)
	require.Contains(t, evt.Data["text"], "(truncated)")
}

func TestMonitor_DropEventTypes(t *testing.T) {
	m := newTestMonitor(t)
	m.cfg.DropEventTypes = map[core.EventType]bool{core.EventLLMOutputDelta: true}
	ctx := context.Background()
	_, err := m.Register(ctx, "s1", "u1", "q")
	require.NoError(t, err)

	_, err = m.RecordEvent(ctx, "s1", core.EventLLMOutputDelta, map[string]any{"chunk": "x"})
	require.NoError(t, err)

	rec, ok := m.GetDetail("s1")
	require.True(t, ok)
	for _, e := range rec.Events {
		require.NotEqual(t, core.EventLLMOutputDelta, e.Type)
	}
}

func TestMonitor_WarmHistory_LoadsPersistedRecords(t *testing.T) {
	store := storage.New(t.TempDir())
	m1 := New(store, zerolog.Nop(), Config{PersistIntervalS: 0})
	ctx := context.Background()
	_, err := m1.Register(ctx, "s1", "u1", "q")
	require.NoError(t, err)
	require.NoError(t, m1.MarkFinished(ctx, "s1"))
	require.Eventually(t, func() bool {
		rec, ok := m1.GetRecord("s1")
		return ok && !rec.Dirty
	}, time.Second, time.Millisecond)
	require.NoError(t, m1.Close(ctx))

	m2 := New(store, zerolog.Nop(), Config{})
	defer m2.Close(ctx)
	require.NoError(t, m2.WarmHistory(ctx, false))
	rec, ok := m2.GetRecord("s1")
	require.True(t, ok)
	require.Equal(t, "u1", rec.UserID)
}

func TestMonitor_PurgeUser_CancelsAllActiveSessions(t *testing.T) {
	m := newTestMonitor(t)
	ctx := context.Background()
	_, err := m.Register(ctx, "s1", "u1", "q1")
	require.NoError(t, err)
	_, err = m.Register(ctx, "s2", "u1", "q2")
	require.NoError(t, err)

	ids := m.PurgeUser(ctx, "u1")
	require.ElementsMatch(t, []string{"s1", "s2"}, ids)
	require.True(t, m.IsCancelled("s1"))
	require.True(t, m.IsCancelled("s2"))
}
