// Package identity implements the session/user resolver (spec §4.I):
// best-effort extraction of session and user identity from request headers
// (and body metadata, for session id) for recording on the interaction
// record. Missing identity is never fatal — every Resolve call succeeds,
// returning zero values where nothing matched.
//
// Grounded on internal/gateway/middleware.go's getClientIP, the teacher's
// own "trust headers in a fixed precedence order, fall through to a
// default" idiom, generalized here from "one IP header set" to "one
// session-id header set and one user-id header set".
package identity

import "net/http"

// SessionSource tags where a resolved session id came from (spec §3
// "session id + session source tag").
type SessionSource string

const (
	SessionSourceNone          SessionSource = ""
	SessionSourceHeader        SessionSource = "header"
	SessionSourceArchestra     SessionSource = "archestra_header"
	SessionSourceBodyMetadata  SessionSource = "body_metadata"
)

// UserSource tags which lookup strategy resolved the user id.
type UserSource string

const (
	UserSourceNone  UserSource = ""
	UserSourcePrimary UserSource = "archestra_user_id"
	UserSourceFallback UserSource = "openwebui_email"
)

const (
	headerSessionID          = "X-Session-Id"
	headerArchestraSessionID = "X-Archestra-Session-Id"
	headerArchestraUserID    = "X-Archestra-User-Id"
	headerOpenWebUIUserEmail = "x-openwebui-user-email"
	headerExecutionID        = "X-Execution-Id"
)

// Session is the resolved session identity for one request.
type Session struct {
	ID     string
	Source SessionSource
}

// User is the resolved user identity for one request.
type User struct {
	ID     string
	Source UserSource
}

// ResolveSession extracts a session id from headers, falling back to a
// session_id field in the request body's metadata object if headers carry
// none (spec §4.I, precedence: X-Session-Id > X-Archestra-Session-Id >
// body session_id). bodySessionID is whatever the caller already extracted
// from the provider-specific body shape (each adapter's own JSON layout
// differs, so identity itself never parses the body).
func ResolveSession(h http.Header, bodySessionID string) Session {
	if v := h.Get(headerSessionID); v != "" {
		return Session{ID: v, Source: SessionSourceHeader}
	}
	if v := h.Get(headerArchestraSessionID); v != "" {
		return Session{ID: v, Source: SessionSourceArchestra}
	}
	if bodySessionID != "" {
		return Session{ID: bodySessionID, Source: SessionSourceBodyMetadata}
	}
	return Session{}
}

// ResolveUser extracts a user id: the explicit user-id header first, the
// forwarded-email header second (spec §4.I "two lookup strategies").
func ResolveUser(h http.Header) User {
	if v := h.Get(headerArchestraUserID); v != "" {
		return User{ID: v, Source: UserSourcePrimary}
	}
	if v := h.Get(headerOpenWebUIUserEmail); v != "" {
		return User{ID: v, Source: UserSourceFallback}
	}
	return User{}
}

// ResolveExecutionID returns the client-supplied execution id, or "" if
// absent — the request envelope's executionId field is optional (spec §3).
func ResolveExecutionID(h http.Header) string {
	return h.Get(headerExecutionID)
}
