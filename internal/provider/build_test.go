package provider

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ylsdamxssjxxdd/wunder/internal/config"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "AZURE_OPENAI_API_KEY", "ARK_API_KEY"} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestBuildRegistryEmptyModelsSucceeds(t *testing.T) {
	reg, err := BuildRegistry(context.Background(), &config.EngineConfig{})
	require.NoError(t, err)
	assert.Empty(t, reg.List())
}

func TestBuildRegistryWrapsErrorWithModelName(t *testing.T) {
	clearProviderEnv(t)
	cfg := &config.EngineConfig{LLM: config.LLMConfig{Models: map[string]config.ModelConfig{
		"default": {Provider: "anthropic"},
	}}}
	_, err := BuildRegistry(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"default"`)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY not set")
}

func TestBuildOneDispatchesByProviderKind(t *testing.T) {
	clearProviderEnv(t)

	_, err := buildOne(context.Background(), "m1", config.ModelConfig{Provider: "anthropic"})
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY not set")

	_, err = buildOne(context.Background(), "m2", config.ModelConfig{Provider: "claude"})
	assert.ErrorContains(t, err, "ANTHROPIC_API_KEY not set")

	_, err = buildOne(context.Background(), "m3", config.ModelConfig{Provider: "ark"})
	assert.ErrorContains(t, err, "ARK_API_KEY not set")

	_, err = buildOne(context.Background(), "m4", config.ModelConfig{Provider: "volcengine"})
	assert.ErrorContains(t, err, "ARK_API_KEY not set")

	_, err = buildOne(context.Background(), "m5", config.ModelConfig{Provider: "openai"})
	assert.ErrorContains(t, err, "OPENAI_API_KEY not set")

	// Unknown provider kinds fall through to the OpenAI-compatible path,
	// matching qwen/ollama-style OpenAI-compatible backends.
	_, err = buildOne(context.Background(), "m6", config.ModelConfig{Provider: "qwen"})
	assert.ErrorContains(t, err, "OPENAI_API_KEY not set")
}

func TestNamedProviderOverridesID(t *testing.T) {
	inner := newMockProvider("anthropic", "Anthropic", nil)
	np := namedProvider{Provider: inner, id: "default"}
	assert.Equal(t, "default", np.ID())
	assert.Equal(t, "Anthropic", np.Name())
}

func TestNamedProviderRegistersUnderModelName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(namedProvider{Provider: newMockProvider("anthropic", "Anthropic", nil), id: "fast"})

	p, err := reg.Get("fast")
	require.NoError(t, err)
	assert.Equal(t, "fast", p.ID())

	_, err = reg.Get("anthropic")
	assert.Error(t, err)
}
