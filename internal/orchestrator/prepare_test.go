package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ylsdamxssjxxdd/wunder/internal/config"
	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/wundererr"
)

func TestPrepareRejectsEmptyUserOrQuestion(t *testing.T) {
	p := NewPreparer(nil, nil)
	_, err := p.Prepare(context.Background(), core.Request{})
	require.Error(t, err)
	assert.Equal(t, wundererr.InvalidRequest, wundererr.CodeOf(err))
}

func TestPrepareGeneratesSessionID(t *testing.T) {
	p := NewPreparer(nil, nil)
	req, err := p.Prepare(context.Background(), core.Request{UserID: "u1", Question: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, req.SessionID)
	assert.True(t, req.GeneratedID)
}

func TestPreparePreservesGivenSessionID(t *testing.T) {
	p := NewPreparer(nil, nil)
	req, err := p.Prepare(context.Background(), core.Request{UserID: "u1", Question: "hi", SessionID: "sess-123"})
	require.NoError(t, err)
	assert.Equal(t, "sess-123", req.SessionID)
	assert.False(t, req.GeneratedID)
}

func TestPrepareDefaultsLanguage(t *testing.T) {
	cfg := &config.EngineConfig{DefaultLanguage: "zh"}
	p := NewPreparer(cfg, nil)
	req, err := p.Prepare(context.Background(), core.Request{UserID: "u1", Question: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "zh", req.Language)
}

func TestPrepareFallsBackToEnglish(t *testing.T) {
	p := NewPreparer(nil, nil)
	req, err := p.Prepare(context.Background(), core.Request{UserID: "u1", Question: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "en", req.Language)
}

func TestPrepareProvisioningFailure(t *testing.T) {
	p := NewPreparer(nil, func(sessionID string) (string, error) {
		return "", errors.New("disk full")
	})
	_, err := p.Prepare(context.Background(), core.Request{UserID: "u1", Question: "hi"})
	require.Error(t, err)
	assert.Equal(t, wundererr.Internal, wundererr.CodeOf(err))
}

func TestBuildUserMessageInlinesTextAttachment(t *testing.T) {
	msg := BuildUserMessage("what's in this file?", []core.Attachment{
		{Name: "notes.txt", Content: "line one", ContentType: "text/plain"},
	})
	assert.Contains(t, msg.Content, "notes.txt")
	assert.Contains(t, msg.Content, "line one")
	assert.Empty(t, msg.Parts)
}

func TestBuildUserMessageKeepsImageAsPart(t *testing.T) {
	msg := BuildUserMessage("describe this", []core.Attachment{
		{Name: "pic.png", Content: "data:image/png;base64,abcd", ContentType: "image/png"},
	})
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, "image", msg.Parts[0].Type)
	assert.Equal(t, "data:image/png;base64,abcd", msg.Parts[0].ImageURL)
}
