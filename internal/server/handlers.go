package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ylsdamxssjxxdd/wunder/internal/core"
	"github.com/ylsdamxssjxxdd/wunder/internal/eventstream"
	"github.com/ylsdamxssjxxdd/wunder/internal/wundererr"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRun is the single submission endpoint (§6): it prepares the
// request, then either runs to completion and returns the Response, or
// (when req.Stream) pumps StreamEvents as SSE while the orchestrator runs
// in the background.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req core.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, wundererr.New(wundererr.InvalidRequest, "malformed JSON body: %v", err))
		return
	}

	prepared, err := s.app.Prepare.Prepare(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	if !prepared.Stream {
		resp, err := s.app.Run.Run(r.Context(), prepared)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	s.streamRun(w, r, prepared)
}

type wireStreamEvent struct {
	Event     core.EventType `json:"event"`
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, prepared core.PreparedRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, wundererr.New(wundererr.Internal, "streaming unsupported by response writer"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.app.Run.Run(ctx, prepared)
	}()

	deliver := func(se core.StreamEvent) error {
		return writeSSE(w, flusher, se)
	}
	isDone := func() bool {
		rec, ok := s.app.Monitor.GetDetail(prepared.SessionID)
		return ok && rec.Status.Terminal()
	}

	pump := eventstream.NewPump(s.app.Transport, prepared.SessionID, 0, deliver)
	_ = pump.Run(ctx, isDone)
	<-done
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, se core.StreamEvent) error {
	we := wireStreamEvent{
		Event:     se.Event,
		ID:        strconv.FormatInt(se.ID, 10),
		Timestamp: se.Timestamp.Format(time.RFC3339),
		Data:      se.Data,
	}
	payload, err := json.Marshal(we)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("id: " + we.ID + "\nevent: " + string(we.Event) + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// handleStreamResume lets a disconnected client resume a still-running or
// recently finished session's stream from after_event_id (§4.3).
func (s *Server) handleStreamResume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	after, _ := strconv.ParseInt(r.URL.Query().Get("after_event_id"), 10, 64)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, wundererr.New(wundererr.Internal, "streaming unsupported by response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	isRunning := func() bool {
		rec, ok := s.app.Monitor.GetDetail(sessionID)
		return ok && !rec.Status.Terminal()
	}
	_ = eventstream.Resume(r.Context(), s.app.Transport, sessionID, after, isRunning, func(se core.StreamEvent) error {
		return writeSSE(w, flusher, se)
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	writeJSON(w, http.StatusOK, s.app.Monitor.ListSessions(activeOnly))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	rec, ok := s.app.Monitor.GetDetail(sessionID)
	if !ok {
		writeError(w, wundererr.New(wundererr.InvalidRequest, "unknown session %q", sessionID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	cancelled, err := s.app.Monitor.Cancel(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}
