package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractToolCallsTagged(t *testing.T) {
	content := `I will check the weather. <tool_call>{"name": "get_weather", "arguments": {"city": "Paris"}}</tool_call>`
	calls := ExtractToolCalls(content, "")
	assert.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, "Paris", calls[0].Arguments["city"])
}

func TestExtractToolCallsDedupes(t *testing.T) {
	content := `<tool_call>{"name": "a", "arguments": {"x": 1}}</tool_call>` +
		`<tool_call>{"name": "a", "arguments": {"x": 1}}</tool_call>`
	calls := ExtractToolCalls(content, "")
	assert.Len(t, calls, 1)
}

func TestExtractToolCallsFunctionCallShape(t *testing.T) {
	content := `<tool>{"function_call": {"name": "search", "arguments": "{\"q\":\"go\"}"}}</tool>`
	calls := ExtractToolCalls(content, "")
	assert.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
	assert.Equal(t, "go", calls[0].Arguments["q"])
}

func TestExtractToolCallsArray(t *testing.T) {
	content := `<tool_call>[{"name": "a", "arguments": {}}, {"name": "b", "arguments": {}}]</tool_call>`
	calls := ExtractToolCalls(content, "")
	assert.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].Name)
	assert.Equal(t, "b", calls[1].Name)
}

func TestExtractToolCallsNone(t *testing.T) {
	calls := ExtractToolCalls("just a plain answer", "")
	assert.Empty(t, calls)
}

func TestStripToolTags(t *testing.T) {
	content := `before <tool_call>{"name":"x","arguments":{}}</tool_call> after`
	assert.Equal(t, "before  after", StripToolTags(content))
}

func TestIsFinalResponseTool(t *testing.T) {
	assert.True(t, IsFinalResponseTool("final_response"))
	assert.True(t, IsFinalResponseTool("最终回复"))
	assert.False(t, IsFinalResponseTool("bash"))
}

func TestIsA2UITool(t *testing.T) {
	assert.True(t, IsA2UITool("a2ui"))
	assert.False(t, IsA2UITool("a2ui_x"))
}

func TestFinalResponseTextNamedKey(t *testing.T) {
	assert.Equal(t, "hello", FinalResponseText(map[string]any{"answer": "hello"}))
	assert.Equal(t, "hi", FinalResponseText(map[string]any{"text": "hi"}))
}

func TestFinalResponseTextSingleUnlabeledArg(t *testing.T) {
	assert.Equal(t, "only", FinalResponseText(map[string]any{"whatever": "only"}))
}

func TestFinalResponseTextEmpty(t *testing.T) {
	assert.Equal(t, "", FinalResponseText(map[string]any{}))
	assert.Equal(t, "", FinalResponseText(map[string]any{"a": 1, "b": 2}))
}
