// Package workspace implements the WorkspaceStore contract (§4.9): chat
// history, artifact logging, per-session system prompt and token-usage
// bookkeeping, and a rendered artifact index used during compaction.
//
// Grounded on the teacher's internal/session/service.go storage calls
// (history/{sessionID}/{seq} keying, system-prompt persistence, token-usage
// accumulation) and pkg/types/message.go's message/part shapes, generalized
// from the teacher's chat-workspace types to the engine's own
// core.ChatMessage/core.ArtifactLogEntry data model.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/storage"
)

const (
	historyTable      = "workspace_history"
	artifactTable     = "workspace_artifacts"
	systemPromptTable = "workspace_system_prompt"
	tokenUsageTable   = "workspace_token_usage"
)

// Store is the Storage-backed WorkspaceStore implementation.
type Store struct {
	store *storage.Storage
	root  string

	mu      sync.Mutex
	seqs    map[string]int64 // sessionID -> next history seq
	version atomic.Int64
}

// New constructs a Store rooted at dir (used only for ArtifactIndex's file
// tree rendering; all other state lives in the provided Storage).
func New(store *storage.Storage, dir string) *Store {
	return &Store{store: store, root: dir, seqs: make(map[string]int64)}
}

type systemPromptRecord struct {
	Prompt string `json:"prompt"`
}

func seqKey(seq int64) string { return fmt.Sprintf("%020d", seq) }

func (s *Store) nextSeq(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.seqs[sessionID]
	s.seqs[sessionID] = n + 1
	return n
}

// AppendChat implements core.WorkspaceStore.
func (s *Store) AppendChat(ctx context.Context, sessionID string, msg core.ChatMessage) error {
	seq := s.nextSeq(sessionID)
	if err := s.store.Put(ctx, []string{historyTable, sessionID, seqKey(seq)}, msg); err != nil {
		return fmt.Errorf("workspace: append chat: %w", err)
	}
	s.version.Add(1)
	return nil
}

// LoadHistory implements core.WorkspaceStore, returning up to maxItems most
// recent chat turns, oldest first.
func (s *Store) LoadHistory(ctx context.Context, sessionID string, maxItems int) ([]core.ChatMessage, error) {
	keys, err := s.store.List(ctx, []string{historyTable, sessionID})
	if err != nil {
		return nil, fmt.Errorf("workspace: list history: %w", err)
	}
	sort.Strings(keys)
	if maxItems > 0 && len(keys) > maxItems {
		keys = keys[len(keys)-maxItems:]
	}
	out := make([]core.ChatMessage, 0, len(keys))
	for _, k := range keys {
		var msg core.ChatMessage
		if err := s.store.Get(ctx, []string{historyTable, sessionID, k}, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// AppendArtifact implements core.WorkspaceStore.
func (s *Store) AppendArtifact(ctx context.Context, sessionID string, entry core.ArtifactLogEntry) error {
	seq := s.nextSeq(sessionID + "/artifacts")
	if err := s.store.Put(ctx, []string{artifactTable, sessionID, seqKey(seq)}, entry); err != nil {
		return fmt.Errorf("workspace: append artifact: %w", err)
	}
	return nil
}

// LoadSystemPrompt implements core.WorkspaceStore.
func (s *Store) LoadSystemPrompt(ctx context.Context, sessionID string) (string, bool, error) {
	var rec systemPromptRecord
	err := s.store.Get(ctx, []string{systemPromptTable, sessionID}, &rec)
	if err == storage.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("workspace: load system prompt: %w", err)
	}
	return rec.Prompt, true, nil
}

// SaveSystemPrompt implements core.WorkspaceStore.
func (s *Store) SaveSystemPrompt(ctx context.Context, sessionID, prompt string) error {
	if err := s.store.Put(ctx, []string{systemPromptTable, sessionID}, systemPromptRecord{Prompt: prompt}); err != nil {
		return fmt.Errorf("workspace: save system prompt: %w", err)
	}
	return nil
}

// LoadTokenUsage implements core.WorkspaceStore.
func (s *Store) LoadTokenUsage(ctx context.Context, sessionID string) (core.TokenUsage, error) {
	var usage core.TokenUsage
	err := s.store.Get(ctx, []string{tokenUsageTable, sessionID}, &usage)
	if err == storage.ErrNotFound {
		return core.TokenUsage{}, nil
	}
	if err != nil {
		return core.TokenUsage{}, fmt.Errorf("workspace: load token usage: %w", err)
	}
	return usage, nil
}

// SaveTokenUsage implements core.WorkspaceStore.
func (s *Store) SaveTokenUsage(ctx context.Context, sessionID string, usage core.TokenUsage) error {
	if err := s.store.Put(ctx, []string{tokenUsageTable, sessionID}, usage); err != nil {
		return fmt.Errorf("workspace: save token usage: %w", err)
	}
	return nil
}

// ArtifactIndex renders a bounded listing of the workspace file tree,
// suitable for injection as an auxiliary system message during compaction.
// Errors reading the filesystem degrade to an empty index rather than
// failing the caller, since a missing/unreadable root is not fatal to
// compaction.
func (s *Store) ArtifactIndex(ctx context.Context, sessionID string) (string, error) {
	if s.root == "" {
		return "", nil
	}
	var lines []string
	const maxEntries = 500
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(lines) >= maxEntries {
			return filepath.SkipAll
		}
		if path == s.root {
			return nil
		}
		if d.IsDir() && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			lines = append(lines, rel+"/")
		} else {
			lines = append(lines, rel)
		}
		return nil
	})
	if err != nil {
		return "", nil
	}
	if len(lines) == 0 {
		return "", nil
	}
	return "Workspace files:\n" + strings.Join(lines, "\n"), nil
}

// ConfigVersion implements core.WorkspaceStore: a monotonically increasing
// counter bumped on every write, used as part of the prompt-composition
// cache key (§4.8).
func (s *Store) ConfigVersion() string {
	return strconv.FormatInt(s.version.Load(), 10)
}

var _ core.WorkspaceStore = (*Store)(nil)
