// Package promptcache implements cached Prompt Composition (§4.8): the
// system prompt builder plus a TTL + negative-cache layer keyed on
// (config_version, user_id, workdir, allowed_tool_names_sorted,
// overrides_hash).
//
// Grounded on the teacher's internal/session/system.go section-builder
// structure (provider header / agent prompt / model prompt / environment /
// custom rules / tool instructions), wrapped in a new cache layer.
package promptcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
)

// ToolMeta describes one tool available for a composed prompt, consumed to
// render the "Tool instructions" section.
type ToolMeta struct {
	Name        string
	Description string
}

// Input is everything the composer needs to build one system prompt.
type Input struct {
	ConfigVersion   int
	UserID          string
	WorkDir         string
	ModelProvider   string
	AllowedTools    []string // any order; cacheKey sorts a copy
	ConfigOverrides map[string]any
	Tools           []ToolMeta
	Language        string
}

func (in Input) cacheKey() string {
	tools := append([]string(nil), in.AllowedTools...)
	sort.Strings(tools)
	h := sha256.New()
	enc, _ := json.Marshal(in.ConfigOverrides)
	h.Write(enc)
	overridesHash := hex.EncodeToString(h.Sum(nil))[:16]
	return fmt.Sprintf("%d|%s|%s|%s|%s", in.ConfigVersion, in.UserID, in.WorkDir, strings.Join(tools, ","), overridesHash)
}

type cacheEntry struct {
	prompt    string
	err       error
	expiresAt time.Time
}

// Composer caches composed system prompts, including negative results
// (errors), for TTL.
type Composer struct {
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New constructs a Composer with the given cache TTL.
func New(ttl time.Duration) *Composer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Composer{ttl: ttl, cache: make(map[string]cacheEntry)}
}

// Compose returns the cached prompt for in, building and caching it (or
// its error) on a miss.
func (c *Composer) Compose(in Input) (string, error) {
	key := in.cacheKey()

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.prompt, entry.err
	}
	c.mu.Unlock()

	prompt, err := build(in)

	c.mu.Lock()
	c.cache[key] = cacheEntry{prompt: prompt, err: err, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return prompt, err
}

// Invalidate drops every cached entry. ConfigVersion is already part of the
// cache key, so entries for an older version are never served; Invalidate
// only reclaims their memory promptly.
func (c *Composer) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

func build(in Input) (string, error) {
	var parts []string

	if header := providerHeader(in.ModelProvider); header != "" {
		parts = append(parts, header)
	}

	parts = append(parts, environmentContext(in.WorkDir, in.Language))

	if instr := toolInstructions(in.Tools); instr != "" {
		parts = append(parts, instr)
	}

	return strings.Join(parts, "\n\n"), nil
}

func providerHeader(provider string) string {
	switch provider {
	case "anthropic":
		return "You are a careful, tool-using assistant. You have access to tools that can read state and " +
			"take actions on the user's behalf; use them only as needed to answer the question."
	case "openai":
		return "You are a helpful assistant with access to tools for gathering information and taking actions."
	default:
		return "You are a helpful, tool-using assistant."
	}
}

func environmentContext(workDir, language string) string {
	var b strings.Builder
	b.WriteString("Environment:\n")
	fmt.Fprintf(&b, "- OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if workDir != "" {
		fmt.Fprintf(&b, "- Working directory: %s\n", workDir)
	}
	if language != "" {
		fmt.Fprintf(&b, "- Preferred response language: %s\n", language)
	}
	return b.String()
}

func toolInstructions(tools []ToolMeta) string {
	if len(tools) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nTo call a tool, emit <tool_call>{\"name\": \"...\", \"arguments\": {...}}</tool_call>. " +
		"To finish, call final_response with your answer as its argument.")
	return b.String()
}

// MemoryHeader renders recent memory records under a localized header for
// injection after cache lookup (§4.7 "Prompt integration"). Not part of
// the cache key: memory changes per-session and must always be fresh.
func MemoryHeader(records []core.MemoryRecord, language string) string {
	if len(records) == 0 {
		return ""
	}
	header := "What you remember about this user:"
	if language == "zh" {
		header = "你对该用户的记忆："
	}
	var b strings.Builder
	b.WriteString(header + "\n")
	for _, r := range records {
		fmt.Fprintf(&b, "- [%s] %s\n", r.CreatedTime.Format(time.RFC3339), r.Summary)
	}
	return b.String()
}
