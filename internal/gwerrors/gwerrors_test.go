package gwerrors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HEADER STATE — lazy commit
// =============================================================================

func TestHeaderState_StartsUncommitted(t *testing.T) {
	state := &HeaderState{}
	assert.False(t, state.Committed())
}

func TestHeaderState_MarkCommittedIsIdempotent(t *testing.T) {
	state := &HeaderState{}
	state.MarkCommitted()
	state.MarkCommitted()
	assert.True(t, state.Committed())
}

// =============================================================================
// DISPATCH — pre-commit vs mid-stream
// =============================================================================

func TestDispatch_PreCommit_WritesJSONErrorWithStatus(t *testing.T) {
	state := &HeaderState{}
	rec := httptest.NewRecorder()

	Dispatch(rec, state, LimitExceeded("budget exhausted"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "token_cost_limit_exceeded", body["error"]["code"])
	assert.Equal(t, "budget exhausted", body["error"]["message"])
}

func TestDispatch_MidStream_WritesSSEErrorEventNotStatus(t *testing.T) {
	state := &HeaderState{}
	rec := httptest.NewRecorder()

	// Headers already committed (a 200 OK already went out for streaming).
	rec.WriteHeader(http.StatusOK)
	state.MarkCommitted()

	Dispatch(rec, state, StreamInterrupted(errors.New("client gone")))

	// WriteHeader can't be called twice: status stays the already-sent 200.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "event: error"))
	assert.True(t, strings.Contains(rec.Body.String(), "stream interrupted"))
}

func TestDispatch_WrapsUnrecognizedErrorAsInternal(t *testing.T) {
	state := &HeaderState{}
	rec := httptest.NewRecorder()

	Dispatch(rec, state, errors.New("unexpected"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal_error", body["error"]["code"])
}

// =============================================================================
// STATUS DEFAULTS
// =============================================================================

func TestError_StatusUsesKindDefaultWhenUnset(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, AgentNotFound("agent-1").Status())
	assert.Equal(t, http.StatusTooManyRequests, LimitExceeded("x").Status())
}

func TestUpstream_PropagatesValidUpstreamStatus(t *testing.T) {
	err := Upstream(http.StatusBadGateway, "upstream said no", errors.New("cause"))
	assert.Equal(t, http.StatusBadGateway, err.Status())
	assert.ErrorContains(t, err, "cause")
}

func TestUpstream_FallsBackToInternalForInvalidStatus(t *testing.T) {
	err := Upstream(0, "no status available", nil)
	assert.Equal(t, http.StatusInternalServerError, err.Status())
}
