// Package monitoring - request_logger.go logs HTTP request lifecycle.
//
// DESIGN: Structured logging for request tracing at DEBUG level:
//   - LogIncoming:    Request received from client
//   - LogOutgoing:    Request forwarded to provider
//   - LogResponse:    Response sent to client
//   - LogInteraction: Outcome of one full pipeline run (tool-policy,
//     trusted-data, TOON), logged at INFO once per request alongside the
//     InteractionRecord persisted by internal/store.
package monitoring

import (
	"net/http"
	"time"
)

// RequestLogger logs HTTP request lifecycle events.
type RequestLogger struct {
	logger *Logger
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger(logger *Logger) *RequestLogger {
	return &RequestLogger{logger: logger}
}

// RequestInfo contains incoming request information.
type RequestInfo struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
	BodySize   int
	StartTime  time.Time
}

// NewRequestInfo creates RequestInfo from an HTTP request.
func NewRequestInfo(r *http.Request, requestID string, bodySize int) *RequestInfo {
	return &RequestInfo{
		RequestID:  requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		BodySize:   bodySize,
		StartTime:  time.Now(),
	}
}

// LogIncoming logs an incoming request.
func (rl *RequestLogger) LogIncoming(info *RequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("method", info.Method).
		Str("path", info.Path).
		Int("body_size", info.BodySize).
		Msg("incoming")
}

// OutgoingRequestInfo contains outgoing request information.
type OutgoingRequestInfo struct {
	RequestID string
	Provider  string
	TargetURL string
	Method    string
	BodySize  int
}

// LogOutgoing logs an outgoing request.
func (rl *RequestLogger) LogOutgoing(info *OutgoingRequestInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Str("provider", info.Provider).
		Int("body_size", info.BodySize).
		Msg("outgoing")
}

// ResponseInfo contains response information.
type ResponseInfo struct {
	RequestID  string
	StatusCode int
	Latency    time.Duration
}

// LogResponse logs a response.
func (rl *RequestLogger) LogResponse(info *ResponseInfo) {
	rl.logger.Debug().
		Str("request_id", info.RequestID).
		Int("status", info.StatusCode).
		Dur("latency", info.Latency).
		Msg("response")
}

// LogInteraction logs the outcome of one pipeline run: the agent/org it
// belongs to, its tool-policy/trusted-data outcome, and its TOON
// compression stats. One call per request, fired after the record is
// built (spec §4.H "final record always written").
func (rl *RequestLogger) LogInteraction(event RequestEvent) {
	e := rl.logger.Info().
		Str("request_id", event.RequestID).
		Str("org_id", event.OrgID).
		Str("agent_id", event.AgentID).
		Str("provider", event.Provider).
		Str("model", event.Model).
		Bool("success", event.Success).
		Int64("latency_ms", event.LatencyMs)

	if event.Refused {
		e = e.Bool("refused", true).Str("machine_reason", event.MachineReason)
	}
	if event.BlockedTools > 0 {
		e = e.Int("blocked_tools", event.BlockedTools)
	}
	if event.ToonTokensBefore > 0 {
		e = e.Int("toon_tokens_before", event.ToonTokensBefore).
			Int("toon_tokens_after", event.ToonTokensAfter).
			Float64("toon_cost_savings", event.ToonCostSavings)
	}
	if event.ToonSkipReason != "" {
		e = e.Str("toon_skip_reason", event.ToonSkipReason)
	}
	e.Msg("interaction")
}
