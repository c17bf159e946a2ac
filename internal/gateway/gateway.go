// Gateway is the HTTP surface: it owns the listener and the middleware
// chain, routes /v1/{provider}/... paths by provider and endpoint suffix,
// and translates an inbound HTTP request
// into the orchestrator.Request the 12-step pipeline actually runs (spec
// §6 "External interfaces").
//
// Grounded on cmd/main.go's runGatewayServer (teacher's gateway.New/Start/
// Shutdown lifecycle, signal-based graceful shutdown) and this package's
// own middleware.go (panicRecovery/rateLimit/loggingMiddleware/security
// chain) — generalized from "route by content shape to a compression
// pipe" (the old Router) to "route by provider + endpoint suffix to the
// orchestrator pipeline or a transparent reverse proxy".
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/compresr/context-gateway/internal/adapters"
	"github.com/compresr/context-gateway/internal/collab"
	"github.com/compresr/context-gateway/internal/config"
	"github.com/compresr/context-gateway/internal/cost"
	"github.com/compresr/context-gateway/internal/identity"
	"github.com/compresr/context-gateway/internal/monitoring"
	"github.com/compresr/context-gateway/internal/orchestrator"
	"github.com/compresr/context-gateway/internal/store"
	"github.com/compresr/context-gateway/internal/tokenizer"
	"github.com/compresr/context-gateway/internal/toolpolicy"
	"github.com/compresr/context-gateway/internal/toon"
)

// Header/middleware constants used by middleware.go.
const (
	HeaderRequestID     = "X-Request-Id"
	MaxRateLimitBuckets = 10000
)

// allowedHosts is the SSRF allowlist consulted by isAllowedHost; empty means
// upstream targets are resolved from config.ProvidersConfig only, never
// from a caller-supplied host.
var allowedHosts = map[string]bool{}

var agentIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]{36}$`)

// Gateway owns the HTTP server and every collaborator the orchestrator
// pipeline needs.
type Gateway struct {
	cfg      *config.Config
	server   *http.Server
	pipeline *orchestrator.Pipeline

	bedrockSigner *BedrockSigner
	httpClient    *http.Client

	requestLogger *monitoring.RequestLogger
	metrics       *monitoring.MetricsCollector
	alerts        *monitoring.AlertManager
	rateLimiter   *rateLimiter
}

// New builds a Gateway from configuration, wiring the default in-memory
// collaborators (internal/collab) and opening the interactions database.
func New(cfg *config.Config) *Gateway {
	logger := monitoring.New(monitoring.LoggerConfig{
		Level:  cfg.Monitoring.LogLevel,
		Format: cfg.Monitoring.LogFormat,
		Output: cfg.Monitoring.LogOutput,
	})

	dbPath := cfg.Interactions.DBPath
	if dbPath == "" {
		dbPath = ":memory:"
	}
	recorder, err := store.OpenInteractionRecorder(dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", dbPath).Msg("failed to open interactions database")
	}

	costEngine, err := cost.Open(dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cost engine")
	}

	agents := make([]*orchestrator.Agent, 0, len(cfg.Agents.Agents))
	for _, a := range cfg.Agents.Agents {
		agents = append(agents, &orchestrator.Agent{
			ID:                       a.ID,
			OrgID:                    a.OrgID,
			ConsiderContextUntrusted: a.ConsiderContextUntrusted,
			Teams:                    a.Teams,
			AllowTools:               toSet(a.AllowTools),
			DenyTools:                toSet(a.DenyTools),
			EnabledTools:             toSet(a.EnabledTools),
		})
	}

	requestLogger := monitoring.NewRequestLogger(logger)
	metrics := monitoring.NewMetricsCollector()
	alerts := monitoring.NewAlertManager(logger, monitoring.AlertConfig{
		HighLatencyThreshold: cfg.Monitoring.HighLatencyThreshold,
	})

	pipeline := &orchestrator.Pipeline{
		Registry:  adapters.NewRegistry(),
		Cost:      costEngine,
		Tokenizer: tokenizer.New(),
		Toon:      &toon.Encoder{},
		Agents:    collab.NewAgentDirectory(agents, cfg.Agents.DefaultAgentID),
		Limits:    collab.NewUsageLimiter(cfg.Agents.Budgets),
		ToolDefs:  collab.NewToolDefLog(),
		Telemetry: collab.NewExecutionTracker(),
		Records:   recorder,
		Observer:  monitoring.NewRequestObserver(requestLogger, alerts, metrics),
		HTTPClient: &http.Client{
			Timeout: cfg.Server.WriteTimeout,
		},
	}

	g := &Gateway{
		cfg:           cfg,
		pipeline:      pipeline,
		bedrockSigner: NewBedrockSigner(),
		httpClient:    pipeline.HTTPClient,
		requestLogger: requestLogger,
		metrics:       metrics,
		alerts:        alerts,
		rateLimiter:   newRateLimiter(100),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/", g.handleV1)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var handler http.Handler = mux
	handler = g.security(handler)
	handler = g.loggingMiddleware(handler)
	handler = g.rateLimit(handler)
	handler = g.panicRecovery(handler)

	g.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return g
}

func toSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Start begins serving and blocks until the server stops.
func (g *Gateway) Start() error {
	log.Info().Str("addr", g.server.Addr).Msg("gateway listening")
	return g.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server.Shutdown(ctx)
}

// writeError writes a plain JSON error body, used by middleware before the
// orchestrator pipeline (and its own gwerrors.Dispatch) ever gets involved.
func (g *Gateway) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"message":%q}}`, message)
}

// handleV1 parses /v1/{provider}/{agentId?}/{...} and either dispatches
// into the orchestrator pipeline (spec §6's intercepted endpoint suffixes)
// or transparently reverse-proxies every other path.
func (g *Gateway) handleV1(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(segments) < 2 || segments[0] != "v1" {
		g.writeError(w, "not found", http.StatusNotFound)
		return
	}
	providerName := segments[1]
	rest := segments[2:]

	explicitAgentID := ""
	if len(rest) > 0 && agentIDPattern.MatchString(rest[0]) {
		explicitAgentID = rest[0]
		rest = rest[1:]
	}
	suffix := "/" + strings.Join(rest, "/")

	provider := adapters.Provider(providerName)
	providerCfg, known := g.cfg.ResolveProvider(providerName)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		g.writeError(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if !known || !g.isInterceptedSuffix(provider, suffix) {
		g.proxyPassthrough(w, r, provider, providerCfg, suffix, body)
		return
	}

	orgID := identity.ResolveUser(r.Header).ID
	req := orchestrator.Request{
		Provider:           provider,
		Path:               r.URL.Path,
		Headers:            r.Header,
		Body:               body,
		OrgID:              orgID,
		ExplicitAgentID:    explicitAgentID,
		UpstreamURL:        g.upstreamURL(provider, providerCfg, suffix),
		APIKey:             providerCfg.APIKey,
		BearerToken:        bearerFromHeader(r.Header),
		TrustedDataEnabled: g.cfg.TrustedData.Enabled,
		AuxiliaryModel:     g.cfg.TrustedData.Model,
		AuxiliaryMaxTok:    g.cfg.TrustedData.MaxTokens,
		GlobalToolPolicy: toolpolicy.GlobalPolicy(
			orDefault(string(g.cfg.ToolPolicy.Global), string(toolpolicy.PolicyPermissive)),
		),
	}
	if provider == adapters.ProviderBedrock {
		req.Signer = g.bedrockSigner
	}

	g.pipeline.Handle(r.Context(), w, req)
}

// isInterceptedSuffix reports whether suffix ends with one of spec §6's exact
// chat-endpoint strings for provider (streaming or non-streaming variant),
// so Bedrock's "/model/{modelId}/converse" paths are intercepted too.
func (g *Gateway) isInterceptedSuffix(provider adapters.Provider, suffix string) bool {
	chat, stream := adapters.ChatEndpointSuffix(provider), adapters.StreamingEndpointSuffix(provider)
	return (chat != "" && strings.HasSuffix(suffix, chat)) || (stream != "" && strings.HasSuffix(suffix, stream))
}

func (g *Gateway) upstreamURL(provider adapters.Provider, providerCfg config.ProviderConfig, suffix string) string {
	if provider == adapters.ProviderBedrock {
		return g.bedrockSigner.BuildTargetURL(suffix)
	}
	base := providerCfg.GetEndpoint(string(provider))
	if strings.HasSuffix(base, suffix) {
		return base
	}
	return base
}

// proxyPassthrough forwards a non-intercepted path to the upstream verbatim
// (spec §6 "transparent reverse-proxied ... never enters the core
// pipeline"), with the agentId path segment already stripped by the caller.
func (g *Gateway) proxyPassthrough(w http.ResponseWriter, r *http.Request, provider adapters.Provider, providerCfg config.ProviderConfig, suffix string, body []byte) {
	target := g.upstreamURL(provider, providerCfg, suffix)
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, strings.NewReader(string(body)))
	if err != nil {
		g.writeError(w, "failed to build upstream request", http.StatusInternalServerError)
		return
	}
	upstreamReq.Header = r.Header.Clone()
	if provider == adapters.ProviderBedrock {
		if err := g.bedrockSigner.SignRequest(r.Context(), upstreamReq, body); err != nil {
			g.writeError(w, "failed to sign upstream request", http.StatusBadGateway)
			return
		}
	}

	resp, err := g.httpClient.Do(upstreamReq)
	if err != nil {
		g.writeError(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func bearerFromHeader(h http.Header) string {
	auth := h.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
