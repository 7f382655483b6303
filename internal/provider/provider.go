// Package provider provides LLM provider abstraction using Eino framework.
package provider

import (
	"github.com/cloudwego/eino/components/model"

	"github.com/ylsdamxssjxxdd/wunder/pkg/types"
)

// Provider represents an LLM provider with Eino ChatModel.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Models returns the list of available models.
	Models() []types.Model

	// ChatModel returns the Eino ChatModel for this provider.
	ChatModel() model.ToolCallingChatModel
}
