package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ylsdamxssjxxdd/wunder/internal/config"
	"github.com/ylsdamxssjxxdd/wunder/internal/core"
)

// chatClient adapts a Provider's eino ToolCallingChatModel to the engine's
// core.ChatClient contract (§4.9), driving Generate/Stream directly against
// the bound model rather than through a separate completion-request type.
type chatClient struct {
	chatModel   model.ToolCallingChatModel
	maxTokens   int
	temperature float64
}

// NewChatClient wraps p's ChatModel as a core.ChatClient.
func NewChatClient(p Provider, maxTokens int, temperature float64) core.ChatClient {
	return &chatClient{chatModel: p.ChatModel(), maxTokens: maxTokens, temperature: temperature}
}

func (c *chatClient) opts() []model.Option {
	return []model.Option{
		model.WithMaxTokens(c.maxTokens),
		model.WithTemperature(float32(c.temperature)),
	}
}

func (c *chatClient) Complete(ctx context.Context, messages []core.ChatMessage) (core.ChatCompletion, error) {
	msg, err := c.chatModel.Generate(ctx, toEinoMessages(messages), c.opts()...)
	if err != nil {
		return core.ChatCompletion{}, fmt.Errorf("provider: generate: %w", err)
	}
	return fromEinoMessage(msg), nil
}

func (c *chatClient) StreamComplete(ctx context.Context, messages []core.ChatMessage, onDelta func(string)) (core.ChatCompletion, error) {
	stream, err := c.chatModel.Stream(ctx, toEinoMessages(messages), c.opts()...)
	if err != nil {
		return core.ChatCompletion{}, fmt.Errorf("provider: stream: %w", err)
	}
	defer stream.Close()

	var content, reasoning strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			break // io.EOF ends the stream; any other error surfaces what was collected so far
		}
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			if onDelta != nil {
				onDelta(chunk.Content)
			}
		}
		if chunk.ReasoningContent != "" {
			reasoning.WriteString(chunk.ReasoningContent)
		}
	}

	return core.ChatCompletion{Content: content.String(), Reasoning: reasoning.String()}, nil
}

func toEinoMessages(messages []core.ChatMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		role := schema.Assistant
		switch m.Role {
		case "user":
			role = schema.User
		case "system":
			role = schema.System
		case "tool":
			role = schema.Tool
		}
		content := m.Content
		for _, p := range m.Parts {
			if p.Type == "image" {
				content += "\n[image attachment: " + p.ImageURL + "]"
			}
		}
		out = append(out, &schema.Message{Role: role, Content: content})
	}
	return out
}

func fromEinoMessage(msg *schema.Message) core.ChatCompletion {
	var usage *core.TokenUsage
	if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
		usage = &core.TokenUsage{
			Input:  msg.ResponseMeta.Usage.PromptTokens,
			Output: msg.ResponseMeta.Usage.CompletionTokens,
		}
	}
	return core.ChatCompletion{Content: msg.Content, Reasoning: msg.ReasoningContent, Usage: usage}
}

// Resolver adapts the Registry plus engine model configuration into an
// orchestrator.ModelResolver.
type Resolver struct {
	registry *Registry
	cfg      *config.EngineConfig
}

// NewResolver constructs a Resolver.
func NewResolver(registry *Registry, cfg *config.EngineConfig) *Resolver {
	return &Resolver{registry: registry, cfg: cfg}
}

// Resolve implements orchestrator.ModelResolver: look up the named model's
// ModelConfig, find its registered backend (keyed by the same name, so two
// llm.models entries sharing a provider "type" still get distinct eino
// ChatModel instances pinned to their own model id), and wrap it as a
// core.ChatClient.
func (r *Resolver) Resolve(modelName string) (core.ChatClient, config.ModelConfig, error) {
	if modelName == "" {
		modelName = r.cfg.LLM.Default
	}
	modelCfg, ok := r.cfg.Model(modelName)
	if !ok {
		return nil, config.ModelConfig{}, fmt.Errorf("no model configured for %q", modelName)
	}
	p, err := r.registry.Get(modelName)
	if err != nil {
		return nil, modelCfg, fmt.Errorf("model %q: %w", modelName, err)
	}
	return NewChatClient(p, modelCfg.MaxOutput, 0.7), modelCfg, nil
}
