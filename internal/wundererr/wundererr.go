// Package wundererr defines the closed set of error codes the orchestration
// core may surface to a caller, per the engine's error handling design.
package wundererr

import "fmt"

// Code is a closed taxonomy of error codes the core may emit. No other
// string is a valid Code produced by this module.
type Code string

const (
	// InvalidRequest marks malformed input; never retried.
	InvalidRequest Code = "INVALID_REQUEST"
	// UserBusy marks that the user already has an active session.
	UserBusy Code = "USER_BUSY"
	// SystemBusy marks that the global admission cap is saturated.
	SystemBusy Code = "SYSTEM_BUSY"
	// Cancelled marks a caller- or admin-requested cancellation. Treated as
	// a terminal success of the cancellation, not a failure.
	Cancelled Code = "CANCELLED"
	// LLMUnavailable marks that no viable model is configured.
	LLMUnavailable Code = "LLM_UNAVAILABLE"
	// Internal marks any unexpected fault.
	Internal Code = "INTERNAL_ERROR"
)

// Error is the error type returned across package boundaries in the engine.
// It carries a Code from the closed taxonomy above plus an optional detail
// payload for diagnostics.
type Error struct {
	Code    Code
	Message string
	Detail  any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New constructs an *Error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail payload and returns the same error for
// chaining at the call site.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// CodeOf extracts the Code carried by err, defaulting to Internal for any
// error not produced by this package.
func CodeOf(err error) Code {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else if ae, ok := asError(err); ok {
		e = ae
	}
	if e == nil {
		return Internal
	}
	return e.Code
}

func asError(err error) (*Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
