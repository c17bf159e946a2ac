// Package orchestrator implements the streaming orchestrator (spec §4.H):
// the one generic 12-step procedure every provider's request runs through,
// regardless of whether the upstream call streams or not.
//
// Grounded on internal/gateway/router.go's Router (content-based dispatch,
// pool-backed pipe execution, "copy results back onto the context"
// pattern) for the overall "one stage per concern, context object threaded
// through" shape, and internal/gateway/middleware.go's responseWriter
// (wrapped ResponseWriter, lazy status commit) for the header-commit
// discipline — generalized from "two compression pipes selected by content
// shape" to "twelve fixed stages run in order for every request".
package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/compresr/context-gateway/internal/adapters"
	"github.com/compresr/context-gateway/internal/cost"
	"github.com/compresr/context-gateway/internal/gwerrors"
	"github.com/compresr/context-gateway/internal/identity"
	"github.com/compresr/context-gateway/internal/toolpolicy"
	"github.com/compresr/context-gateway/internal/toon"
	"github.com/compresr/context-gateway/internal/trustdata"
)

// Agent is the resolved logical principal making the call (spec §3
// "Agent / Profile").
type Agent struct {
	ID                       string
	OrgID                    string
	ConsiderContextUntrusted bool
	Teams                    []string
	AllowTools               map[string]bool
	DenyTools                map[string]bool
	EnabledTools             map[string]bool
}

// AgentResolver resolves the URL's explicit agent id, or the organization's
// default agent when none is given (spec §4.H step 2).
type AgentResolver interface {
	ResolveAgent(ctx context.Context, orgID, explicitAgentID string) (*Agent, error)
	DefaultAgent(ctx context.Context, orgID string) (*Agent, error)
}

// LimitChecker answers the usage/cost gate (spec §4.H step 4).
type LimitChecker interface {
	CheckLimits(ctx context.Context, orgID, agentID string) (ok bool, reason string, err error)
}

// ToolDefPersister records the tools a client declared (spec §4.H step 5).
type ToolDefPersister interface {
	PersistToolDefinitions(ctx context.Context, executionID string, defs []adapters.ToolDefinition) error
}

// ExecutionTelemetry emits the agent-execution event the first time a given
// executionId is seen (spec §4.H step 3).
type ExecutionTelemetry interface {
	EmitOnce(ctx context.Context, executionID string) (emitted bool, err error)
}

// InteractionRecord is the immutable record persisted exactly once per
// request (spec §3 "Interaction record").
type InteractionRecord struct {
	ProfileID        string
	ExternalAgentID  string
	OrgID            string
	Provider         string
	ExecutionID      string
	UserID           string
	SessionID        string
	SessionSource    identity.SessionSource
	Type             string // "streaming" | "non_streaming"
	Request          []byte
	ProcessedRequest []byte
	Response         []byte
	Model            string
	BaselineModel    string
	InputTokens      int
	OutputTokens     int
	Cost             float64
	BaselineCost     float64
	ToonTokensBefore int
	ToonTokensAfter  int
	ToonCostSavings  float64
	ToonSkipReason   string
	Refused          bool
	MachineReason    string
	BlockedTools     int
}

// InteractionStore persists the final record (spec §4.H "Final record
// always written").
type InteractionStore interface {
	Record(ctx context.Context, rec InteractionRecord) error
}

// Observer is notified once per request, after the record that would be
// persisted is built, with the outcome of the request and how long it
// took. Unlike InteractionStore, a nil Observer is fine — observation is
// for operators (logs, metrics, alerts), not correctness.
type Observer interface {
	Observe(rec InteractionRecord, err error, latency time.Duration)
}

// Request is everything the orchestrator needs about one inbound HTTP call
// (spec §3 "Request envelope"), with collaborator-dependent fields already
// resolved by the HTTP surface layer (org id from auth, per-provider
// upstream credentials, org policy).
type Request struct {
	Provider        adapters.Provider
	Path            string
	Headers         http.Header
	Body            []byte
	OrgID           string
	ExplicitAgentID string

	UpstreamURL  string
	APIKey       string
	BearerToken  string
	ExtraHeaders map[string]string
	Signer       RequestSigner // non-nil only for providers needing out-of-band signing (Bedrock SigV4)

	TrustedDataEnabled bool   // deployment-wide kill switch for the dual-LLM evaluator
	AuxiliaryModel     string // "" disables the dual-LLM override (reuses the primary model)
	AuxiliaryMaxTok    int
	GlobalToolPolicy   toolpolicy.GlobalPolicy
	DefaultPrice       cost.PriceRow // used to seed pricing for unseen models (insert-if-absent)
}

// RequestSigner signs an outgoing upstream request in place (spec §6
// "Bedrock requires AWS SigV4 signing, not a static header"). The HTTP
// surface layer supplies the implementation; the orchestrator only calls it.
type RequestSigner interface {
	SignRequest(ctx context.Context, req *http.Request, body []byte) error
}

// Pipeline wires every collaborator the 12-step procedure calls into.
type Pipeline struct {
	Registry   *adapters.Registry
	Cost       *cost.Engine
	Tokenizer  adapters.Tokenizer
	Toon       *toon.Encoder
	Agents     AgentResolver
	Limits     LimitChecker
	ToolDefs   ToolDefPersister
	Telemetry  ExecutionTelemetry
	Records    InteractionStore
	Observer   Observer // optional; nil disables per-request observation
	HTTPClient *http.Client
}

// Handle runs the full pipeline for one request, writing the response (or
// an error, mapped through gwerrors) to w.
func (p *Pipeline) Handle(ctx context.Context, w http.ResponseWriter, req Request) {
	state := &gwerrors.HeaderState{}
	start := time.Now()

	rec, err := p.run(ctx, w, state, req)
	if rec != nil {
		if recErr := p.Records.Record(ctx, *rec); recErr != nil {
			log.Error().Err(recErr).Msg("orchestrator: failed to persist interaction record")
		}
		if p.Observer != nil {
			p.Observer.Observe(*rec, err, time.Since(start))
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			gwerrors.Dispatch(w, state, gwerrors.StreamInterrupted(ctx.Err()))
			return
		}
		gwerrors.Dispatch(w, state, err)
	}
}

func (p *Pipeline) run(ctx context.Context, w http.ResponseWriter, state *gwerrors.HeaderState, req Request) (*InteractionRecord, error) {
	// Step 1: resolve session/user.
	bodySessionID := gjson.GetBytes(req.Body, "metadata.session_id").String()
	session := identity.ResolveSession(req.Headers, bodySessionID)
	user := identity.ResolveUser(req.Headers)
	executionID := identity.ResolveExecutionID(req.Headers)

	// Step 2: resolve agent.
	agent, err := p.resolveAgent(ctx, req)
	if err != nil {
		return nil, gwerrors.AgentNotFound(req.ExplicitAgentID)
	}

	// Step 3: execution telemetry, iff executionId supplied and unseen.
	if executionID != "" && p.Telemetry != nil {
		if _, err := p.Telemetry.EmitOnce(ctx, executionID); err != nil {
			log.Warn().Err(err).Msg("orchestrator: execution telemetry emit failed")
		}
	}

	rec := &InteractionRecord{
		ProfileID:     agent.ID,
		OrgID:         req.OrgID,
		Provider:      string(req.Provider),
		ExecutionID:   executionID,
		UserID:        user.ID,
		SessionID:     session.ID,
		SessionSource: session.Source,
		Request:       req.Body,
	}

	// Step 4: usage/cost limit gate.
	if p.Limits != nil {
		ok, reason, err := p.Limits.CheckLimits(ctx, req.OrgID, agent.ID)
		if err != nil {
			return rec, gwerrors.Internal(err)
		}
		if !ok {
			return rec, gwerrors.LimitExceeded(reason)
		}
	}

	factory, ok := p.Registry.Get(req.Provider)
	if !ok {
		return rec, gwerrors.Internal(fmt.Errorf("no adapter factory registered for provider %q", req.Provider))
	}
	reqAdapter, err := newRequestAdapter(req, factory)
	if err != nil {
		return rec, gwerrors.Internal(fmt.Errorf("parse request: %w", err))
	}
	rec.Model = reqAdapter.Model()
	rec.BaselineModel = reqAdapter.Model()
	rec.Type = "non_streaming"
	if reqAdapter.IsStreaming() {
		rec.Type = "streaming"
	}

	// Step 5: persist client-declared tool definitions.
	if p.ToolDefs != nil && executionID != "" {
		if err := p.ToolDefs.PersistToolDefinitions(ctx, executionID, reqAdapter.ToolDefinitions()); err != nil {
			log.Warn().Err(err).Msg("orchestrator: tool definition persistence failed")
		}
	}

	// Step 6: cost engine — model substitution + pricing rows.
	baseline := rec.BaselineModel
	if p.Cost != nil {
		text := commonMessagesText(reqAdapter.Messages())
		tokenCount := p.Tokenizer.CountTokens(text)
		hasTools := len(reqAdapter.ToolDefinitions()) > 0
		if target, matched, err := p.Cost.MatchRule(ctx, req.OrgID, req.Provider, tokenCount, hasTools); err == nil && matched {
			reqAdapter.SetModel(target)
			rec.Model = target
		}
		_ = p.Cost.InsertPriceIfAbsent(ctx, cost.PriceRow{
			Provider: req.Provider, Model: baseline,
			PricePerMillionInput: req.DefaultPrice.PricePerMillionInput, PricePerMillionOutput: req.DefaultPrice.PricePerMillionOutput,
		})
	}

	// Step 7: prepare (but do not commit) SSE headers.
	streamAdapter := newStreamAdapter(req.Provider, factory, reqAdapter, rec.Model)
	if reqAdapter.IsStreaming() {
		for k, v := range streamAdapter.GetSSEHeaders() {
			w.Header().Set(k, v)
		}
	}

	// Step 8: trusted-data evaluator.
	contextIsTrusted := true
	globalRestrictive := req.GlobalToolPolicy == toolpolicy.PolicyRestrictive
	if req.TrustedDataEnabled && trustdata.ShouldEvaluate(agent.ConsiderContextUntrusted, globalRestrictive, reqAdapter.Messages()) {
		evaluator := trustdata.New(trustdata.Config{
			Provider: req.Provider, Endpoint: req.UpstreamURL, APIKey: req.APIKey, BearerToken: req.BearerToken,
			Model: chooseAuxiliaryModel(req.AuxiliaryModel, rec.Model), MaxTokens: req.AuxiliaryMaxTok,
		})
		var cb *trustdata.ProgressCallbacks
		if reqAdapter.IsStreaming() {
			cb = &trustdata.ProgressCallbacks{
				OnStart: func() { writeAndCommit(w, state, streamAdapter.FormatTextDeltaSSE("Analyzing with Dual LLM:\n\n")) },
				OnStep: func(toolName string, trusted bool) {
					status := "trusted"
					if !trusted {
						status = "untrusted"
					}
					writeAndCommit(w, state, streamAdapter.FormatTextDeltaSSE(fmt.Sprintf("- %s: %s\n", toolName, status)))
				},
			}
		}
		result, err := evaluator.Evaluate(ctx, reqAdapter.Messages(), cb)
		if err != nil {
			return rec, gwerrors.StreamInterrupted(err)
		}
		contextIsTrusted = result.ContextIsTrusted
		reqAdapter.ApplyToolResultUpdates(result.Overrides)
	}

	// Step 9: TOON compression.
	if stats, err := reqAdapter.ApplyToonCompression(p.Toon, p.Tokenizer); err == nil {
		rec.ToonTokensBefore, rec.ToonTokensAfter, rec.ToonCostSavings, rec.ToonSkipReason = stats.TokensBefore, stats.TokensAfter, stats.CostSavings, stats.SkipReason
	}

	// Step 10: build final provider request.
	providerBody, err := reqAdapter.ToProviderRequest()
	if err != nil {
		return rec, gwerrors.Internal(fmt.Errorf("build provider request: %w", err))
	}
	rec.ProcessedRequest = providerBody

	// Step 11/12: dispatch upstream.
	upstreamReq, err := p.buildUpstreamRequest(ctx, req, providerBody)
	if err != nil {
		return rec, gwerrors.Internal(err)
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	start := time.Now()
	upstreamResp, err := client.Do(upstreamReq)
	if err != nil {
		return rec, gwerrors.Upstream(0, "upstream request failed", err)
	}
	defer upstreamResp.Body.Close()
	log.Debug().Dur("upstream_latency", time.Since(start)).Str("provider", string(req.Provider)).Msg("orchestrator: upstream dispatched")

	if upstreamResp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(upstreamResp.Body, 64*1024))
		return rec, gwerrors.Upstream(upstreamResp.StatusCode, string(body), nil)
	}

	enabledTools := agent.EnabledTools
	policyInput := toolpolicy.Input{
		GlobalPolicy: req.GlobalToolPolicy, ContextIsTrusted: contextIsTrusted,
		EnabledTools: enabledTools, Agent: toolpolicy.AgentRules{Deny: agent.DenyTools, Allow: agent.AllowTools},
	}

	if reqAdapter.IsStreaming() {
		return p.dispatchStreaming(ctx, w, state, rec, factory, streamAdapter, upstreamResp.Body, policyInput)
	}
	return p.dispatchBuffered(rec, factory, reqAdapter, upstreamResp.Body, req.Provider, rec.Model, policyInput, w, state)
}

func (p *Pipeline) resolveAgent(ctx context.Context, req Request) (*Agent, error) {
	if p.Agents == nil {
		return &Agent{ID: "default", OrgID: req.OrgID, EnabledTools: map[string]bool{}}, nil
	}
	if req.ExplicitAgentID != "" {
		return p.Agents.ResolveAgent(ctx, req.OrgID, req.ExplicitAgentID)
	}
	return p.Agents.DefaultAgent(ctx, req.OrgID)
}

func chooseAuxiliaryModel(configured, primary string) string {
	if configured != "" {
		return configured
	}
	return primary
}

func commonMessagesText(msgs []adapters.CommonMessage) string {
	var out string
	for _, m := range msgs {
		out += m.Text + "\n"
	}
	return out
}

func writeAndCommit(w http.ResponseWriter, state *gwerrors.HeaderState, payload []byte) {
	if len(payload) == 0 {
		return
	}
	if !state.Committed() {
		w.WriteHeader(http.StatusOK)
		state.MarkCommitted()
	}
	_, _ = w.Write(payload)
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (p *Pipeline) buildUpstreamRequest(ctx context.Context, req Request, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setUpstreamAuth(httpReq, req)
	for k, v := range req.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	if req.Provider == adapters.ProviderBedrock && req.Signer != nil {
		if err := req.Signer.SignRequest(ctx, httpReq, body); err != nil {
			return nil, fmt.Errorf("orchestrator: sign bedrock request: %w", err)
		}
	}
	return httpReq, nil
}

// setUpstreamAuth sets the provider-appropriate auth header (spec §6
// "Headers consumed by core"). Bedrock carries no static auth header here —
// its SigV4 signature is applied to the whole request by req.Signer instead.
func setUpstreamAuth(httpReq *http.Request, req Request) {
	switch req.Provider {
	case adapters.ProviderAnthropic:
		if req.BearerToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
		} else if req.APIKey != "" {
			httpReq.Header.Set("x-api-key", req.APIKey)
		}
	case adapters.ProviderGemini:
		if req.APIKey != "" {
			httpReq.Header.Set("x-goog-api-key", req.APIKey)
		}
	case adapters.ProviderBedrock:
		// signed separately via req.Signer, after ExtraHeaders are applied.
	default:
		if req.BearerToken != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
		} else if req.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
		}
	}
}
