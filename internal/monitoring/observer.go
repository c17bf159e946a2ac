// Package monitoring - observer.go adapts monitoring to orchestrator.Observer.
//
// DESIGN: The orchestrator package must not import monitoring (it stays
// collaborator-agnostic, per internal/orchestrator/orchestrator.go's own
// doc comment); RequestObserver is the one piece that knows about both,
// turning a bare InteractionRecord into a log line, a metric, and — when
// the request was refused or ran long — an alert.
package monitoring

import (
	"time"

	"github.com/compresr/context-gateway/internal/orchestrator"
)

// RequestObserver is the orchestrator.Observer implementation backed by
// this package's logger, alert manager, and metrics collector.
type RequestObserver struct {
	requestLogger *RequestLogger
	alerts        *AlertManager
	metrics       *MetricsCollector
}

// NewRequestObserver wires a RequestObserver from the gateway's shared
// monitoring collaborators.
func NewRequestObserver(rl *RequestLogger, am *AlertManager, mc *MetricsCollector) *RequestObserver {
	return &RequestObserver{requestLogger: rl, alerts: am, metrics: mc}
}

// Observe implements orchestrator.Observer. Called once per request, after
// the InteractionRecord that will be persisted is built.
func (o *RequestObserver) Observe(rec orchestrator.InteractionRecord, err error, latency time.Duration) {
	success := err == nil && !rec.Refused

	event := RequestEvent{
		RequestID:        rec.ExecutionID,
		Timestamp:        timeNow(),
		OrgID:            rec.OrgID,
		AgentID:          rec.ProfileID,
		ExecutionID:      rec.ExecutionID,
		Provider:         rec.Provider,
		Model:            rec.Model,
		Type:             rec.Type,
		InputTokens:      rec.InputTokens,
		OutputTokens:     rec.OutputTokens,
		Cost:             rec.Cost,
		BaselineCost:     rec.BaselineCost,
		ToonTokensBefore: rec.ToonTokensBefore,
		ToonTokensAfter:  rec.ToonTokensAfter,
		ToonCostSavings:  rec.ToonCostSavings,
		ToonSkipReason:   rec.ToonSkipReason,
		Refused:          rec.Refused,
		MachineReason:    rec.MachineReason,
		BlockedTools:     rec.BlockedTools,
		Success:          success,
		LatencyMs:        latency.Milliseconds(),
	}
	o.requestLogger.LogInteraction(event)
	o.metrics.RecordRequest(success, latency)

	if rec.Refused {
		o.metrics.RecordRefusal()
		o.alerts.FlagToolRefusal(rec.ExecutionID, rec.ProfileID, rec.MachineReason)
	}
	if rec.ToonTokensBefore > 0 && rec.ToonTokensAfter < rec.ToonTokensBefore {
		o.metrics.RecordToonEffective()
	}
	o.alerts.FlagHighLatency(rec.ExecutionID, latency, rec.Provider, "")
}

func timeNow() time.Time { return time.Now() }
