package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/storage"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	st := storage.New(filepath.Join(dir, "db"))
	root := filepath.Join(dir, "workspace")
	require.NoError(t, os.MkdirAll(root, 0o755))
	return New(st, root), root
}

func TestAppendAndLoadHistoryOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendChat(ctx, "sess-1", core.ChatMessage{Role: "user", Content: "one"}))
	require.NoError(t, s.AppendChat(ctx, "sess-1", core.ChatMessage{Role: "assistant", Content: "two"}))
	require.NoError(t, s.AppendChat(ctx, "sess-1", core.ChatMessage{Role: "user", Content: "three"}))

	history, err := s.LoadHistory(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "one", history[0].Content)
	assert.Equal(t, "two", history[1].Content)
	assert.Equal(t, "three", history[2].Content)
}

func TestLoadHistoryRespectsMaxItems(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendChat(ctx, "sess-1", core.ChatMessage{Role: "user", Content: "m"}))
	}

	history, err := s.LoadHistory(ctx, "sess-1", 2)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSystemPromptRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadSystemPrompt(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SaveSystemPrompt(ctx, "sess-1", "you are helpful"))

	prompt, ok, err := s.LoadSystemPrompt(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "you are helpful", prompt)
}

func TestTokenUsageRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	usage, err := s.LoadTokenUsage(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, core.TokenUsage{}, usage)

	require.NoError(t, s.SaveTokenUsage(ctx, "sess-1", core.TokenUsage{Input: 5, Output: 3}))

	usage, err = s.LoadTokenUsage(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, core.TokenUsage{Input: 5, Output: 3}, usage)
}

func TestArtifactIndexListsFiles(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), []byte("package a"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.go"), []byte("package b"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0o644))

	idx, err := s.ArtifactIndex(ctx, "sess-1")
	require.NoError(t, err)
	assert.Contains(t, idx, "Workspace files:")
	assert.Contains(t, idx, "a.go")
	assert.Contains(t, idx, "sub/")
	assert.Contains(t, idx, filepath.Join("sub", "b.go"))
	assert.NotContains(t, idx, ".git")
}

func TestArtifactIndexEmptyRoot(t *testing.T) {
	st := storage.New(filepath.Join(t.TempDir(), "db"))
	s := New(st, "")
	idx, err := s.ArtifactIndex(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, idx)
}

func TestConfigVersionIncrementsOnWrite(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	before := s.ConfigVersion()
	require.NoError(t, s.AppendChat(ctx, "sess-1", core.ChatMessage{Role: "user", Content: "hi"}))
	after := s.ConfigVersion()
	assert.NotEqual(t, before, after)
}
