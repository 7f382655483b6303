// Package server exposes the orchestrator core over HTTP: a blocking or
// streaming run endpoint plus a small Monitor read/cancel surface (§6).
// It is deliberately thin — admin CRUD, file upload, auth, and TUI control
// are out of scope (spec §1) — and depends only on internal/app.App.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/ylsdamxssjxxdd/wunder/internal/wundererr"
)

// ErrorResponse is the wire shape for every non-2xx JSON response (§6).
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := wundererr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case wundererr.InvalidRequest:
		status = http.StatusBadRequest
	case wundererr.UserBusy, wundererr.SystemBusy:
		status = http.StatusConflict
	case wundererr.Cancelled:
		status = http.StatusOK
	case wundererr.LLMUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ErrorResponse{Code: string(code), Message: err.Error()})
}
