// Package orchestrator implements the Session Orchestrator (§4.4), History &
// Compaction (§4.5), and Request Preparation (§4.1): the reasoning loop that
// drives one PreparedRequest to an answer.
//
// Grounded on the teacher's internal/session/service.go (NewSession /
// ProcessMessage entry construction), loop.go, stream.go, tools.go, agent.go
// and system.go, generalized from a coding assistant's tool/doom-loop
// machinery into the generic tool-call extraction + dedupe + special-case
// pipeline described below.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/ylsdamxssjxxdd/wunder/internal/config"
	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/wundererr"
)

// WorkspaceProvisioner creates (if needed) and returns the on-disk working
// directory for a session. Grounded on the teacher's per-session directory
// provisioning in internal/session/service.go.
type WorkspaceProvisioner func(sessionID string) (string, error)

// Preparer implements Request Preparation (§4.1).
type Preparer struct {
	cfg       *config.EngineConfig
	provision WorkspaceProvisioner
}

// NewPreparer constructs a Preparer. provision may be nil, in which case
// prepared requests carry no working directory.
func NewPreparer(cfg *config.EngineConfig, provision WorkspaceProvisioner) *Preparer {
	return &Preparer{cfg: cfg, provision: provision}
}

// Prepare validates req and returns the PreparedRequest the orchestrator
// loop consumes. Fails with INVALID_REQUEST when user_id or question is
// empty; fails with INTERNAL_ERROR if workspace provisioning fails.
func (p *Preparer) Prepare(ctx context.Context, req core.Request) (core.PreparedRequest, error) {
	userID := strings.TrimSpace(req.UserID)
	question := strings.TrimSpace(req.Question)
	if userID == "" || question == "" {
		return core.PreparedRequest{}, wundererr.New(wundererr.InvalidRequest, "user_id and question are required")
	}

	sessionID := strings.TrimSpace(req.SessionID)
	generated := false
	if sessionID == "" {
		sessionID = strings.ToLower(ulid.Make().String())
		generated = true
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		if p.cfg != nil {
			language = p.cfg.DefaultLanguage
		}
		if language == "" {
			language = "en"
		}
	}

	if p.provision != nil {
		if _, err := p.provision(sessionID); err != nil {
			return core.PreparedRequest{}, wundererr.New(wundererr.Internal, "workspace provisioning failed: %v", err).WithDetail(err.Error())
		}
	}

	return core.PreparedRequest{
		SessionID:       sessionID,
		UserID:          userID,
		Question:        question,
		ToolNames:       req.ToolNames,
		SkipToolCalls:   req.SkipToolCalls,
		Stream:          req.Stream,
		ModelName:       req.ModelName,
		Language:        language,
		ConfigOverrides: req.ConfigOverrides,
		Attachments:     req.Attachments,
		GeneratedID:     generated,
	}, nil
}

// BuildUserMessage constructs the user turn from the question and
// attachments: image attachments are kept as structured parts, text
// attachments are inlined with labels (§4.4 step 2).
func BuildUserMessage(question string, attachments []core.Attachment) core.ChatMessage {
	msg := core.ChatMessage{Role: "user", Content: question}
	var inlined strings.Builder
	inlined.WriteString(question)
	for _, a := range attachments {
		if strings.HasPrefix(a.ContentType, "image/") || strings.HasPrefix(a.Content, "data:image/") {
			msg.Parts = append(msg.Parts, core.ChatPart{Type: "image", ImageURL: a.Content})
			continue
		}
		fmt.Fprintf(&inlined, "\n\n[attachment: %s]\n%s", a.Name, a.Content)
	}
	msg.Content = inlined.String()
	return msg
}
