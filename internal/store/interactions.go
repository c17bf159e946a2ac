// Interaction-record persistence: the one write-exactly-once-per-request
// entity the core itself owns (spec §6 "Persisted state boundary").
//
// Grounded on internal/cost.Engine's Open/migrate shape (modernc.org/sqlite,
// CREATE TABLE IF NOT EXISTS at construction) — generalized from "read-heavy
// price/rule tables with an in-memory cache in front" to "write-only
// interaction log", so no cache layer is needed here: every record is
// written once and never re-read by the core itself (only by whatever
// admin/reporting surface queries the table directly).
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/compresr/context-gateway/internal/orchestrator"
)

// InteractionRecorder persists orchestrator.InteractionRecord values,
// satisfying orchestrator.InteractionStore.
type InteractionRecorder struct {
	db *sql.DB
}

// OpenInteractionRecorder opens (creating if absent) the SQLite database at
// path and ensures the interactions table exists. path may be ":memory:"
// for tests.
func OpenInteractionRecorder(path string) (*InteractionRecorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open interactions db: %w", err)
	}
	const ddl = `CREATE TABLE IF NOT EXISTS interactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id TEXT NOT NULL,
		external_agent_id TEXT,
		execution_id TEXT,
		user_id TEXT,
		session_id TEXT,
		session_source TEXT,
		type TEXT NOT NULL,
		request BLOB,
		processed_request BLOB,
		response BLOB,
		model TEXT,
		baseline_model TEXT,
		input_tokens INTEGER,
		output_tokens INTEGER,
		cost REAL,
		baseline_cost REAL,
		toon_tokens_before INTEGER,
		toon_tokens_after INTEGER,
		toon_cost_savings REAL,
		toon_skip_reason TEXT,
		refused INTEGER NOT NULL DEFAULT 0,
		machine_reason TEXT,
		blocked_tools INTEGER NOT NULL DEFAULT 0,
		recorded_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	)`
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate interactions: %w", err)
	}
	return &InteractionRecorder{db: db}, nil
}

func (r *InteractionRecorder) Close() error { return r.db.Close() }

// Record inserts rec as a new row. It never updates or deletes: the
// interaction record is immutable after creation (spec §3).
func (r *InteractionRecorder) Record(ctx context.Context, rec orchestrator.InteractionRecord) error {
	refused := 0
	if rec.Refused {
		refused = 1
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO interactions (
			profile_id, external_agent_id, execution_id, user_id, session_id, session_source,
			type, request, processed_request, response, model, baseline_model,
			input_tokens, output_tokens, cost, baseline_cost,
			toon_tokens_before, toon_tokens_after, toon_cost_savings, toon_skip_reason,
			refused, machine_reason, blocked_tools
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ProfileID, rec.ExternalAgentID, rec.ExecutionID, rec.UserID, rec.SessionID, string(rec.SessionSource),
		rec.Type, rec.Request, rec.ProcessedRequest, rec.Response, rec.Model, rec.BaselineModel,
		rec.InputTokens, rec.OutputTokens, rec.Cost, rec.BaselineCost,
		rec.ToonTokensBefore, rec.ToonTokensAfter, rec.ToonCostSavings, rec.ToonSkipReason,
		refused, rec.MachineReason, rec.BlockedTools,
	)
	if err != nil {
		return fmt.Errorf("store: record interaction: %w", err)
	}
	return nil
}
