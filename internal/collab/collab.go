// Package collab provides in-memory reference implementations of the
// orchestrator's injected collaborators (spec §6 "all other persistence is
// via injected collaborators"): agent resolution, usage-limit checking,
// tool-definition persistence, and execution telemetry. A production
// deployment swaps these for its own organization/agent directory and
// metering backend; these exist so the orchestrator is runnable and
// testable standalone.
//
// Grounded on internal/config/config.go's YAML-driven settings style for
// the static AgentDirectory configuration, and internal/monitoring/
// metrics.go's atomic-counter idiom (sync/atomic, no mutex) for the one
// piece of genuinely cross-request mutable state spec §5 permits outside
// the pricing table: metrics counters.
package collab

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/compresr/context-gateway/internal/adapters"
	"github.com/compresr/context-gateway/internal/orchestrator"
)

// AgentDirectory is a static, config-loaded set of agents keyed by
// organization. It never mutates after construction, so concurrent
// Resolve/Default calls need no locking (spec §5 "no cross-request shared
// mutable state" — a read-only directory isn't mutable state).
type AgentDirectory struct {
	byOrgAndID map[string]map[string]*orchestrator.Agent
	defaults   map[string]*orchestrator.Agent
}

// NewAgentDirectory builds a directory from agents and each organization's
// chosen default agent id.
func NewAgentDirectory(agents []*orchestrator.Agent, defaultAgentID map[string]string) *AgentDirectory {
	d := &AgentDirectory{
		byOrgAndID: make(map[string]map[string]*orchestrator.Agent),
		defaults:   make(map[string]*orchestrator.Agent),
	}
	for _, a := range agents {
		if d.byOrgAndID[a.OrgID] == nil {
			d.byOrgAndID[a.OrgID] = make(map[string]*orchestrator.Agent)
		}
		d.byOrgAndID[a.OrgID][a.ID] = a
	}
	for org, id := range defaultAgentID {
		if a, ok := d.byOrgAndID[org][id]; ok {
			d.defaults[org] = a
		}
	}
	return d
}

// ResolveAgent implements orchestrator.AgentResolver.
func (d *AgentDirectory) ResolveAgent(_ context.Context, orgID, agentID string) (*orchestrator.Agent, error) {
	a, ok := d.byOrgAndID[orgID][agentID]
	if !ok {
		return nil, fmt.Errorf("collab: agent %q not found in org %q", agentID, orgID)
	}
	return a, nil
}

// DefaultAgent implements orchestrator.AgentResolver.
func (d *AgentDirectory) DefaultAgent(_ context.Context, orgID string) (*orchestrator.Agent, error) {
	a, ok := d.defaults[orgID]
	if !ok {
		return nil, fmt.Errorf("collab: org %q has no default agent configured", orgID)
	}
	return a, nil
}

// UsageLimiter is a simple per-organization request-count gate: every
// organization gets a fixed budget, and a per-org consumed counter is
// incremented atomically per call and compared against it (spec
// §5's exception (b), "metrics counters which are atomic", covers this —
// a limiter counter is the same kind of cross-request shared state). A
// deployment backing real dollar-cost budgets would swap this for a
// database-backed checker instead.
type UsageLimiter struct {
	mu       sync.RWMutex
	budgets  map[string]int64 // orgID -> total request budget
	consumed map[string]*int64
}

// NewUsageLimiter builds a limiter with a fixed per-organization budget.
func NewUsageLimiter(budgets map[string]int64) *UsageLimiter {
	consumed := make(map[string]*int64, len(budgets))
	for org := range budgets {
		var c int64
		consumed[org] = &c
	}
	return &UsageLimiter{budgets: budgets, consumed: consumed}
}

// CheckLimits implements orchestrator.LimitChecker. An organization with no
// configured budget is unlimited.
func (l *UsageLimiter) CheckLimits(_ context.Context, orgID, _ string) (bool, string, error) {
	l.mu.RLock()
	budget, hasBudget := l.budgets[orgID]
	counter, ok := l.consumed[orgID]
	l.mu.RUnlock()
	if !hasBudget || !ok {
		return true, "", nil
	}

	used := atomic.AddInt64(counter, 1)
	if used > budget {
		return false, fmt.Sprintf("organization %q exceeded its request budget of %d", orgID, budget), nil
	}
	return true, "", nil
}

// ToolDefLog is an in-memory record of the tool definitions each execution
// declared (the latest call for an execution id replaces its entry) — enough for the orchestrator's step 5 to have
// somewhere real to write without pulling in a database for the reference
// wiring.
type ToolDefLog struct {
	mu          sync.Mutex
	byExecution map[string][]adapters.ToolDefinition
}

// NewToolDefLog builds an empty log.
func NewToolDefLog() *ToolDefLog {
	return &ToolDefLog{byExecution: make(map[string][]adapters.ToolDefinition)}
}

// PersistToolDefinitions implements orchestrator.ToolDefPersister.
func (t *ToolDefLog) PersistToolDefinitions(_ context.Context, executionID string, defs []adapters.ToolDefinition) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byExecution[executionID] = defs
	return nil
}

// Get returns the tool definitions recorded for an execution, if any.
func (t *ToolDefLog) Get(executionID string) ([]adapters.ToolDefinition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	defs, ok := t.byExecution[executionID]
	return defs, ok
}

// ExecutionTracker emits the agent-execution telemetry event the first
// time a given executionId is seen, and never again (spec §4.H step 3).
type ExecutionTracker struct {
	seen sync.Map // executionID -> struct{}
}

// NewExecutionTracker builds an empty tracker.
func NewExecutionTracker() *ExecutionTracker {
	return &ExecutionTracker{}
}

// EmitOnce implements orchestrator.ExecutionTelemetry.
func (t *ExecutionTracker) EmitOnce(_ context.Context, executionID string) (bool, error) {
	_, alreadySeen := t.seen.LoadOrStore(executionID, struct{}{})
	return !alreadySeen, nil
}
