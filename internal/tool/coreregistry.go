package tool

import (
	"context"
	"encoding/json"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
)

// CoreRegistry adapts a Registry to the engine's core.ToolRegistry contract
// (§4.9), so the orchestrator can invoke the teacher's builtin tools without
// depending on the eino-flavored Tool interface directly.
type CoreRegistry struct {
	reg *Registry
}

// NewCoreRegistry wraps reg as a core.ToolRegistry.
func NewCoreRegistry(reg *Registry) *CoreRegistry {
	return &CoreRegistry{reg: reg}
}

// Has implements core.ToolRegistry.
func (c *CoreRegistry) Has(name string) bool {
	_, ok := c.reg.Get(name)
	return ok
}

// Execute implements core.ToolRegistry: it looks up the tool, marshals args
// to the tool's json.RawMessage input shape, and runs it under a minimal
// Context. The *Result is returned as {ok: true, data: {title, output,
// metadata}}, or as {ok: false, error} when its Error field is set; an error
// from the tool's Execute is returned unchanged.
func (c *CoreRegistry) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := c.reg.Get(name)
	if !ok {
		return nil, errUnknownTool(name)
	}
	input, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	toolCtx := &Context{WorkDir: c.reg.workDir, AbortCh: ctx.Done()}
	result, err := t.Execute(ctx, input, toolCtx)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return map[string]any{"ok": false, "error": result.Error.Error()}, nil
	}
	return map[string]any{
		"ok": true,
		"data": map[string]any{
			"title":    result.Title,
			"output":   result.Output,
			"metadata": result.Metadata,
		},
	}, nil
}

type unknownToolError string

func (e unknownToolError) Error() string { return "tool: unknown tool " + string(e) }

func errUnknownTool(name string) error { return unknownToolError(name) }

var _ core.ToolRegistry = (*CoreRegistry)(nil)
