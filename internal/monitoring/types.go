// Package monitoring - types.go defines shared types.
//
// DESIGN: These types are used by both gateway/ and monitoring/ packages.
// Defined here ONCE to avoid duplication and circular imports.
//
// TYPES:
//   - RequestEvent:  Structured per-request telemetry, one per interaction
//   - Config types:  LoggerConfig, AlertConfig
package monitoring

import "time"

// =============================================================================
// EVENT TYPES - Structured data for request-level telemetry
// =============================================================================

// RequestEvent captures one completed interaction through the gateway: the
// routing/identity facts plus the outcome of each policy stage the 12-step
// pipeline ran (tool-policy, trusted-data evaluation, TOON compression).
// It mirrors orchestrator.InteractionRecord's fields, projected for logging
// rather than storage.
type RequestEvent struct {
	RequestID   string    `json:"request_id"`
	Timestamp   time.Time `json:"timestamp"`
	OrgID       string    `json:"org_id,omitempty"`
	AgentID     string    `json:"agent_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Provider    string    `json:"provider"`
	Model       string    `json:"model,omitempty"`
	Type        string    `json:"type,omitempty"` // "streaming" | "non_streaming"

	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
	BaselineCost float64 `json:"baseline_cost,omitempty"`

	// TOON compression outcome (spec §4.C).
	ToonTokensBefore int     `json:"toon_tokens_before,omitempty"`
	ToonTokensAfter  int     `json:"toon_tokens_after,omitempty"`
	ToonCostSavings  float64 `json:"toon_cost_savings,omitempty"`
	ToonSkipReason   string  `json:"toon_skip_reason,omitempty"`

	// Tool-policy / trusted-data outcome (spec §4.E, §4.F).
	Refused       bool   `json:"refused,omitempty"`
	MachineReason string `json:"machine_reason,omitempty"`
	BlockedTools  int    `json:"blocked_tools,omitempty"`

	Success   bool  `json:"success"`
	LatencyMs int64 `json:"latency_ms,omitempty"`
}

// =============================================================================
// CONFIG TYPES
// =============================================================================

// LoggerConfig contains logging configuration.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, or file path
}

// AlertConfig contains alert thresholds.
type AlertConfig struct {
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}
