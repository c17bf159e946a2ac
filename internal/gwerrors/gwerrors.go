// Package gwerrors implements the error mapper (spec §4.J / §7): a typed
// error taxonomy plus header-commit-aware dispatch so an error thrown
// before any response byte is written still gets its true status code,
// while one thrown mid-stream degrades to a single SSE error event instead
// of corrupting an already-200'd response.
//
// Grounded on internal/gateway/middleware.go's responseWriter (status-code
// capture wrapper around http.ResponseWriter) — generalized here from
// "remember what status got written" to "know whether anything has been
// written yet at all", which is the one bit the mapper actually needs.
package gwerrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind is one of the taxonomy's error kinds (spec §7).
type Kind string

const (
	KindLimitExceeded    Kind = "limit_exceeded"
	KindAgentNotFound    Kind = "agent_not_found"
	KindUpstreamError    Kind = "upstream_error"
	KindPolicyRefusal    Kind = "policy_refusal"
	KindStreamInterrupted Kind = "stream_interrupted"
	KindInternalError    Kind = "internal_error"
)

// Error is a typed gateway error carrying enough information for the
// mapper to pick an HTTP status and a user-safe message without needing to
// inspect the underlying cause.
type Error struct {
	Kind       Kind
	Code       string // machine-readable code, e.g. "token_cost_limit_exceeded"
	Message    string // user-safe message, safe to put on the wire
	StatusCode int    // 0 means "use Kind's default"
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// defaultStatus returns the status code spec §7 assigns to each kind when
// the error doesn't carry an explicit override (e.g. a verbatim upstream
// status).
func (k Kind) defaultStatus() int {
	switch k {
	case KindLimitExceeded:
		return http.StatusTooManyRequests
	case KindAgentNotFound:
		return http.StatusNotFound
	case KindUpstreamError:
		return http.StatusInternalServerError
	case KindPolicyRefusal:
		return http.StatusOK // synthesized successful response, not an error on the wire
	case KindStreamInterrupted:
		return http.StatusOK // only ever happens after headers already committed
	default:
		return http.StatusInternalServerError
	}
}

// Status returns the HTTP status this error should surface as, when
// headers haven't been committed yet.
func (e *Error) Status() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return e.Kind.defaultStatus()
}

// LimitExceeded builds a token/cost budget breach error (spec §7).
func LimitExceeded(message string) *Error {
	return &Error{Kind: KindLimitExceeded, Code: "token_cost_limit_exceeded", Message: message}
}

// AgentNotFound builds an error for an explicit agent id that resolves to
// nothing.
func AgentNotFound(agentID string) *Error {
	return &Error{Kind: KindAgentNotFound, Code: "agent_not_found", Message: fmt.Sprintf("agent %q not found", agentID)}
}

// Upstream wraps a failure originating from the provider call. statusCode
// is the upstream's own status if it was a valid HTTP status, else 0 (the
// mapper then falls back to 500).
func Upstream(statusCode int, message string, cause error) *Error {
	status := 0
	if statusCode >= 100 && statusCode < 600 {
		status = statusCode
	}
	return &Error{Kind: KindUpstreamError, Code: "upstream_error", Message: message, StatusCode: status, cause: cause}
}

// StreamInterrupted marks a client disconnect or upstream reset that
// happened after headers were already committed — never surfaced as a
// non-200 status, only logged.
func StreamInterrupted(cause error) *Error {
	return &Error{Kind: KindStreamInterrupted, Code: "stream_interrupted", Message: "stream interrupted", cause: cause}
}

// Internal wraps an unexpected failure from any stage. The client only ever
// sees the fixed message "internal error"; cause is for logs only.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternalError, Code: "internal_error", Message: "internal error", cause: cause}
}

// HeaderState tracks whether any response byte has been written yet —
// the one fact the mapper needs to decide between a normal HTTP error
// response and an inline SSE error event (spec §4.J).
type HeaderState struct {
	committed bool
}

// MarkCommitted records that the first byte has gone out. Idempotent.
func (h *HeaderState) MarkCommitted() { h.committed = true }

// Committed reports whether MarkCommitted has been called.
func (h *HeaderState) Committed() bool { return h.committed }

// sseErrorEvent is the single SSE error event a mapper writes mid-stream
// (spec §4.J "Headers committed"): `{type:"api_error", message}`.
type sseErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Dispatch is the single error-mapper entry point (spec §4.J). When
// headers haven't been committed it writes a normal JSON error response
// with the error's status code. When they have, it writes one SSE
// `api_error` event and returns — the HTTP status stays whatever was
// already sent (200), by construction, since WriteHeader cannot be called
// twice.
func Dispatch(w http.ResponseWriter, state *HeaderState, err error) {
	gerr := asError(err)

	if !state.Committed() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(gerr.Status())
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": gerr.Code, "message": gerr.Message},
		})
		return
	}

	payload, _ := json.Marshal(sseErrorEvent{Type: "api_error", Message: gerr.Message})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// asError coerces any error into a gwerrors.Error, wrapping unrecognized
// errors as KindInternalError so Dispatch always has a status and a
// user-safe message to work with.
func asError(err error) *Error {
	if gerr, ok := err.(*Error); ok {
		return gerr
	}
	return Internal(err)
}
