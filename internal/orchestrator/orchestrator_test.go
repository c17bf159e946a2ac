package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/context-gateway/internal/adapters"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeAgentResolver struct {
	agent *Agent
	err   error
}

func (f *fakeAgentResolver) ResolveAgent(ctx context.Context, orgID, explicitAgentID string) (*Agent, error) {
	return f.agent, f.err
}

func (f *fakeAgentResolver) DefaultAgent(ctx context.Context, orgID string) (*Agent, error) {
	return f.agent, f.err
}

// fakeLimitChecker lets a test fail the usage/cost gate without any real
// accounting, and counts how many times it was consulted.
type fakeLimitChecker struct {
	ok       bool
	reason   string
	err      error
	calls    atomic.Int64
}

func (f *fakeLimitChecker) CheckLimits(ctx context.Context, orgID, agentID string) (bool, string, error) {
	f.calls.Add(1)
	return f.ok, f.reason, f.err
}

// recordingStore is an InteractionStore that counts Record calls, so tests
// can assert "exactly once per request" (spec §4.H "final record always
// written") regardless of which step the pipeline stopped at.
type recordingStore struct {
	records []InteractionRecord
}

func (s *recordingStore) Record(ctx context.Context, rec InteractionRecord) error {
	s.records = append(s.records, rec)
	return nil
}

// recordingObserver counts Observe calls and captures the last one seen.
type recordingObserver struct {
	calls int
	last  InteractionRecord
	lastErr error
}

func (o *recordingObserver) Observe(rec InteractionRecord, err error, latency time.Duration) {
	o.calls++
	o.last = rec
	o.lastErr = err
}

// dispatchProbe is an http.RoundTripper whose RoundTrip would only ever be
// reached if the pipeline got past the limit gate and all the way to
// upstream dispatch; tests assert it is never called on a limit breach.
type dispatchProbe struct {
	called atomic.Bool
}

func (p *dispatchProbe) RoundTrip(req *http.Request) (*http.Response, error) {
	p.called.Store(true)
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{}}, nil
}

func newTestAgent() *Agent {
	return &Agent{ID: "agent-1", OrgID: "org-1"}
}

// =============================================================================
// ONE RECORD PER REQUEST (spec §4.H "final record always written")
// =============================================================================

func TestHandle_RecordsExactlyOnce_OnUnregisteredProvider(t *testing.T) {
	store := &recordingStore{}
	observer := &recordingObserver{}
	probe := &dispatchProbe{}

	p := &Pipeline{
		Registry:   adapters.NewRegistry(),
		Agents:     &fakeAgentResolver{agent: newTestAgent()},
		Limits:     &fakeLimitChecker{ok: true},
		Records:    store,
		Observer:   observer,
		HTTPClient: &http.Client{Transport: probe},
	}

	req := Request{
		Provider: adapters.Provider("nonexistent"),
		OrgID:    "org-1",
		Body:     []byte(`{}`),
	}

	rec := httptest.NewRecorder()
	p.Handle(context.Background(), rec, req)

	require.Len(t, store.records, 1, "InteractionRecord must be persisted exactly once")
	assert.Equal(t, 1, observer.calls, "Observer must fire exactly once alongside the store")
	assert.False(t, probe.called.Load(), "no registered adapter for this provider: dispatch must never happen")
}

func TestHandle_RecordsExactlyOnce_WhenLimitBreached(t *testing.T) {
	store := &recordingStore{}
	limiter := &fakeLimitChecker{ok: false, reason: "budget exhausted"}
	probe := &dispatchProbe{}

	p := &Pipeline{
		Registry:   adapters.NewRegistry(),
		Agents:     &fakeAgentResolver{agent: newTestAgent()},
		Limits:     limiter,
		Records:    store,
		HTTPClient: &http.Client{Transport: probe},
	}

	req := Request{Provider: adapters.ProviderAnthropic, OrgID: "org-1", Body: []byte(`{}`)}

	rec := httptest.NewRecorder()
	p.Handle(context.Background(), rec, req)

	require.Len(t, store.records, 1)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandle_NoRecord_WhenAgentUnresolved(t *testing.T) {
	// Agent resolution fails before any InteractionRecord exists to persist
	// (spec §4.H step 2 precedes record construction): nothing to write.
	store := &recordingStore{}

	p := &Pipeline{
		Registry: adapters.NewRegistry(),
		Agents:   &fakeAgentResolver{agent: nil, err: assert.AnError},
		Records:  store,
	}

	rec := httptest.NewRecorder()
	p.Handle(context.Background(), rec, Request{Provider: adapters.ProviderAnthropic, OrgID: "org-1"})

	assert.Empty(t, store.records)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// LIMIT BREACH SHORT-CIRCUITS BEFORE DISPATCH (spec §4.H step 4)
// =============================================================================

func TestHandle_LimitBreach_NeverDispatchesUpstream(t *testing.T) {
	limiter := &fakeLimitChecker{ok: false, reason: "token cost limit exceeded"}
	probe := &dispatchProbe{}

	p := &Pipeline{
		Registry:   adapters.NewRegistry(),
		Agents:     &fakeAgentResolver{agent: newTestAgent()},
		Limits:     limiter,
		Records:    &recordingStore{},
		HTTPClient: &http.Client{Transport: probe},
	}

	rec := httptest.NewRecorder()
	p.Handle(context.Background(), rec, Request{
		Provider: adapters.ProviderAnthropic,
		OrgID:    "org-1",
		Body:     []byte(`{}`),
	})

	assert.Equal(t, int64(1), limiter.calls.Load(), "limit gate must be consulted")
	assert.False(t, probe.called.Load(), "breached limit must short-circuit before any upstream dispatch")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandle_LimitCheckError_AlsoShortCircuits(t *testing.T) {
	limiter := &fakeLimitChecker{err: assert.AnError}
	probe := &dispatchProbe{}

	p := &Pipeline{
		Registry:   adapters.NewRegistry(),
		Agents:     &fakeAgentResolver{agent: newTestAgent()},
		Limits:     limiter,
		Records:    &recordingStore{},
		HTTPClient: &http.Client{Transport: probe},
	}

	rec := httptest.NewRecorder()
	p.Handle(context.Background(), rec, Request{Provider: adapters.ProviderAnthropic, OrgID: "org-1"})

	assert.False(t, probe.called.Load())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
