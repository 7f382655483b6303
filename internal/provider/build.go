package provider

import (
	"context"
	"fmt"

	"github.com/ylsdamxssjxxdd/wunder/internal/config"
)

// BuildRegistry constructs a Registry from the engine configuration's
// llm.models section (§6), registering one Provider per model name (not per
// provider "type": two models on the same backend kind still get distinct
// eino ChatModel instances pinned to their own model id and base URL).
// API keys are read from the provider's usual environment variable by each
// constructor, matching the teacher's own convention.
func BuildRegistry(ctx context.Context, cfg *config.EngineConfig) (*Registry, error) {
	reg := NewRegistry()
	for name, m := range cfg.LLM.Models {
		p, err := buildOne(ctx, name, m)
		if err != nil {
			return nil, fmt.Errorf("provider: build model %q: %w", name, err)
		}
		reg.Register(namedProvider{Provider: p, id: name})
	}
	return reg, nil
}

// namedProvider overrides ID() so the registry key matches the llm.models
// name rather than the underlying provider's own identifier.
type namedProvider struct {
	Provider
	id string
}

func (n namedProvider) ID() string { return n.id }

func buildOne(ctx context.Context, name string, m config.ModelConfig) (Provider, error) {
	switch m.Provider {
	case "anthropic", "claude":
		return NewAnthropicProvider(ctx, &AnthropicConfig{
			ID:        name,
			BaseURL:   m.BaseURL,
			Model:     m.Model,
			MaxTokens: m.MaxOutput,
		})
	case "ark", "volcengine":
		return NewArkProvider(ctx, &ArkConfig{
			BaseURL:   m.BaseURL,
			Model:     m.Model,
			MaxTokens: m.MaxOutput,
		})
	default: // "openai" and any OpenAI-compatible provider (qwen, ollama, ...)
		return NewOpenAIProvider(ctx, &OpenAIConfig{
			ID:        name,
			BaseURL:   m.BaseURL,
			Model:     m.Model,
			MaxTokens: m.MaxOutput,
		})
	}
}
