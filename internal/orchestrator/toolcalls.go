package orchestrator

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// ToolCall is one normalized tool invocation extracted from model output.
type ToolCall struct {
	Name      string
	Arguments map[string]any
}

var tagPattern = regexp.MustCompile(`(?is)<tool(?:_call)?>(.*?)</tool(?:_call)?>`)

// ExtractToolCalls parses tool calls out of assistant content (and,
// tolerantly, its reasoning channel) using bracket-matching JSON extraction
// across <tool>/<tool_call> tags and bare JSON, including OpenAI-style
// function_call objects and arrays of either shape. Results are deduped by
// (name, canonical_json(arguments)), preserving first-seen order.
func ExtractToolCalls(content, reasoning string) []ToolCall {
	var raw []json.RawMessage
	raw = append(raw, extractTagged(content)...)
	raw = append(raw, extractTagged(reasoning)...)
	raw = append(raw, extractBareObjects(content)...)

	var calls []ToolCall
	seen := make(map[string]bool)
	for _, r := range raw {
		for _, c := range normalizeToolJSON(r) {
			key := c.Name + "\x00" + canonicalJSON(c.Arguments)
			if seen[key] {
				continue
			}
			seen[key] = true
			calls = append(calls, c)
		}
	}
	return calls
}

// StripToolTags removes <tool>/<tool_call> tagged segments from content,
// used to derive a final answer when no tool calls are present.
func StripToolTags(content string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(content, ""))
}

func extractTagged(s string) []json.RawMessage {
	if s == "" {
		return nil
	}
	var out []json.RawMessage
	for _, m := range tagPattern.FindAllStringSubmatch(s, -1) {
		inner := strings.TrimSpace(m[1])
		if inner == "" {
			continue
		}
		out = append(out, json.RawMessage(inner))
	}
	return out
}

// extractBareObjects scans s for balanced-brace JSON objects not wrapped in
// tags, tolerating surrounding prose. It's intentionally permissive: objects
// that don't parse, or that don't look like a tool call once parsed, are
// dropped by normalizeToolJSON rather than here.
func extractBareObjects(s string) []json.RawMessage {
	var out []json.RawMessage
	depth := 0
	start := -1
	inString := false
	escape := false
	for i, r := range s {
		if inString {
			if escape {
				escape = false
			} else if r == '\\' {
				escape = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, json.RawMessage(s[start:i+1]))
					start = -1
				}
			}
		}
	}
	return out
}

func normalizeToolJSON(raw json.RawMessage) []ToolCall {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	if trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil {
			return nil
		}
		var out []ToolCall
		for _, item := range arr {
			out = append(out, normalizeToolJSON(item)...)
		}
		return out
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}

	if fc, ok := obj["function_call"].(map[string]any); ok {
		obj = fc
	} else if fc, ok := obj["function"].(map[string]any); ok {
		obj = fc
	}

	name, _ := obj["name"].(string)
	if name == "" {
		return nil
	}

	var args map[string]any
	switch v := obj["arguments"].(type) {
	case map[string]any:
		args = v
	case string:
		_ = json.Unmarshal([]byte(v), &args)
	}
	if args == nil {
		if v, ok := obj["parameters"].(map[string]any); ok {
			args = v
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	return []ToolCall{{Name: name, Arguments: args}}
}

// canonicalJSON renders args with sorted keys so structurally identical
// argument sets compare equal regardless of field order.
func canonicalJSON(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(args[k])
		b.Write(kb)
		b.WriteByte(':')
		b.Write(vb)
	}
	b.WriteByte('}')
	return b.String()
}

// IsFinalResponseTool reports whether name is the final_response tool or
// its localized alias.
func IsFinalResponseTool(name string) bool {
	return name == finalResponseTool || name == finalResponseToolZH
}

// IsA2UITool reports whether name is the a2ui special-cased tool.
func IsA2UITool(name string) bool {
	return name == a2uiTool
}

// FinalResponseText extracts the answer text from a final_response call's
// arguments, tolerating either a bare "answer"/"text"/"response" key or a
// single unlabeled string argument.
func FinalResponseText(args map[string]any) string {
	for _, key := range []string{"answer", "text", "response", "content"} {
		if s, ok := args[key].(string); ok {
			return s
		}
	}
	if len(args) == 1 {
		for _, v := range args {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
