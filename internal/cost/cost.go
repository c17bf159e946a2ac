// Package cost implements the cost engine (spec §4.D): optimization-rule
// matching (resolve an agent's model substitution) and cost calculation
// from token usage and a priced model.
//
// DESIGN: persisted state (price table, rule table) lives in SQLite via
// modernc.org/sqlite, the teacher's own pure-Go, CGO-free driver choice.
// An in-memory map+RWMutex+TTL cache sits in front of both tables, the
// same idiom internal/store/store.go uses for its shadow-context cache,
// generalized from "original vs compressed content" to "rule set per
// (org, provider)" and "price row per (provider, model)".
package cost

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/compresr/context-gateway/internal/adapters"
)

// Rule is one optimization rule: if its predicate matches, targetModel
// replaces the requested model (spec §4.D.1).
type Rule struct {
	ID          string
	Org         string
	Provider    adapters.Provider
	Priority    int // lower value = higher priority, first match wins
	MinTokens   *int
	MaxTokens   *int
	HasTools    *bool
	TargetModel string
	Enabled     bool
}

// matches reports whether the rule's predicate accepts the given request
// shape (spec §4.D.1: "predicate matches {tokenCount, hasTools}").
func (r Rule) matches(tokenCount int, hasTools bool) bool {
	if !r.Enabled {
		return false
	}
	if r.MinTokens != nil && tokenCount < *r.MinTokens {
		return false
	}
	if r.MaxTokens != nil && tokenCount > *r.MaxTokens {
		return false
	}
	if r.HasTools != nil && *r.HasTools != hasTools {
		return false
	}
	return true
}

// PriceRow is one model's per-million-token pricing (spec §4.D.2).
type PriceRow struct {
	Provider              adapters.Provider
	Model                 string
	PricePerMillionInput  float64
	PricePerMillionOutput float64
}

const cacheTTL = 5 * time.Minute

type ruleCacheEntry struct {
	rules     []Rule
	expiresAt time.Time
}

type priceCacheEntry struct {
	row       PriceRow
	found     bool
	expiresAt time.Time
}

// Engine is the cost engine: SQLite-backed rule and price tables with an
// in-memory read cache.
type Engine struct {
	db *sql.DB

	mu          sync.RWMutex
	ruleCache   map[string]ruleCacheEntry  // key: org|provider
	priceCache  map[string]priceCacheEntry // key: provider|model
}

// Open opens (creating if absent) the SQLite database at path and ensures
// the rule/price tables exist. path may be ":memory:" for tests.
func Open(path string) (*Engine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cost: open sqlite: %w", err)
	}
	e := &Engine{
		db:         db,
		ruleCache:  make(map[string]ruleCacheEntry),
		priceCache: make(map[string]priceCacheEntry),
	}
	if err := e.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

func (e *Engine) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS prices (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			price_per_million_input REAL NOT NULL,
			price_per_million_output REAL NOT NULL,
			PRIMARY KEY (provider, model)
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			org TEXT NOT NULL,
			provider TEXT NOT NULL,
			priority INTEGER NOT NULL,
			min_tokens INTEGER,
			max_tokens INTEGER,
			has_tools INTEGER,
			target_model TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_org_provider ON rules(org, provider)`,
	}
	for _, s := range stmts {
		if _, err := e.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("cost: migrate: %w", err)
		}
	}
	return nil
}

func (e *Engine) Close() error { return e.db.Close() }

// MatchRule resolves the optimization rule for (org, provider) whose
// predicate accepts {tokenCount, hasTools}, in priority order, and returns
// its target model (spec §4.D.1). ok is false if no enabled rule matches.
func (e *Engine) MatchRule(ctx context.Context, org string, provider adapters.Provider, tokenCount int, hasTools bool) (targetModel string, ok bool, err error) {
	rules, err := e.rulesFor(ctx, org, provider)
	if err != nil {
		return "", false, err
	}
	for _, r := range rules {
		if r.matches(tokenCount, hasTools) {
			return r.TargetModel, true, nil
		}
	}
	return "", false, nil
}

func (e *Engine) rulesFor(ctx context.Context, org string, provider adapters.Provider) ([]Rule, error) {
	key := org + "|" + string(provider)

	e.mu.RLock()
	entry, cached := e.ruleCache[key]
	e.mu.RUnlock()
	if cached && time.Now().Before(entry.expiresAt) {
		return entry.rules, nil
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT id, priority, min_tokens, max_tokens, has_tools, target_model, enabled
		FROM rules WHERE org = ? AND provider = ? AND enabled = 1
		ORDER BY priority ASC`, org, string(provider))
	if err != nil {
		return nil, fmt.Errorf("cost: query rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		var minTokens, maxTokens sql.NullInt64
		var hasTools sql.NullInt64
		var enabled int
		if err := rows.Scan(&r.ID, &r.Priority, &minTokens, &maxTokens, &hasTools, &r.TargetModel, &enabled); err != nil {
			return nil, fmt.Errorf("cost: scan rule: %w", err)
		}
		r.Org, r.Provider, r.Enabled = org, provider, enabled != 0
		if minTokens.Valid {
			v := int(minTokens.Int64)
			r.MinTokens = &v
		}
		if maxTokens.Valid {
			v := int(maxTokens.Int64)
			r.MaxTokens = &v
		}
		if hasTools.Valid {
			v := hasTools.Int64 != 0
			r.HasTools = &v
		}
		rules = append(rules, r)
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	e.mu.Lock()
	e.ruleCache[key] = ruleCacheEntry{rules: rules, expiresAt: time.Now().Add(cacheTTL)}
	e.mu.Unlock()
	return rules, nil
}

// UpsertRule inserts or replaces a rule. Nothing in this module calls it;
// config loading has no rules section.
func (e *Engine) UpsertRule(ctx context.Context, r Rule) error {
	var minTokens, maxTokens, hasTools any
	if r.MinTokens != nil {
		minTokens = *r.MinTokens
	}
	if r.MaxTokens != nil {
		maxTokens = *r.MaxTokens
	}
	if r.HasTools != nil {
		if *r.HasTools {
			hasTools = 1
		} else {
			hasTools = 0
		}
	}
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO rules (id, org, provider, priority, min_tokens, max_tokens, has_tools, target_model, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			org=excluded.org, provider=excluded.provider, priority=excluded.priority,
			min_tokens=excluded.min_tokens, max_tokens=excluded.max_tokens,
			has_tools=excluded.has_tools, target_model=excluded.target_model, enabled=excluded.enabled
	`, r.ID, r.Org, string(r.Provider), r.Priority, minTokens, maxTokens, hasTools, r.TargetModel, enabled)
	if err != nil {
		return fmt.Errorf("cost: upsert rule: %w", err)
	}
	e.invalidateRules(r.Org, r.Provider)
	return nil
}

func (e *Engine) invalidateRules(org string, provider adapters.Provider) {
	e.mu.Lock()
	delete(e.ruleCache, org+"|"+string(provider))
	e.mu.Unlock()
}

// Price looks up a model's price row.
func (e *Engine) Price(ctx context.Context, provider adapters.Provider, model string) (PriceRow, bool, error) {
	key := string(provider) + "|" + model

	e.mu.RLock()
	entry, cached := e.priceCache[key]
	e.mu.RUnlock()
	if cached && time.Now().Before(entry.expiresAt) {
		return entry.row, entry.found, nil
	}

	var row PriceRow
	row.Provider, row.Model = provider, model
	err := e.db.QueryRowContext(ctx, `
		SELECT price_per_million_input, price_per_million_output
		FROM prices WHERE provider = ? AND model = ?`, string(provider), model,
	).Scan(&row.PricePerMillionInput, &row.PricePerMillionOutput)

	found := true
	if err == sql.ErrNoRows {
		found = false
		err = nil
	}
	if err != nil {
		return PriceRow{}, false, fmt.Errorf("cost: query price: %w", err)
	}

	e.mu.Lock()
	e.priceCache[key] = priceCacheEntry{row: row, found: found, expiresAt: time.Now().Add(cacheTTL)}
	e.mu.Unlock()
	return row, found, nil
}

// InsertPriceIfAbsent seeds a price row only if one doesn't already exist
// for (provider, model) — seed data and admin-set prices never clobber
// each other (spec §4.D.2 "insert-if-absent pricing").
func (e *Engine) InsertPriceIfAbsent(ctx context.Context, row PriceRow) error {
	_, err := e.db.ExecContext(ctx, `
		INSERT INTO prices (provider, model, price_per_million_input, price_per_million_output)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider, model) DO NOTHING`,
		string(row.Provider), row.Model, row.PricePerMillionInput, row.PricePerMillionOutput)
	if err != nil {
		return fmt.Errorf("cost: insert price: %w", err)
	}
	e.mu.Lock()
	delete(e.priceCache, string(row.Provider)+"|"+row.Model)
	e.mu.Unlock()
	return nil
}

// Calculate computes cost = (input/1e6)*pricePerMillionInput +
// (output/1e6)*pricePerMillionOutput (spec §4.D.2). ok is false if no price
// row exists for the model, or if usage is nil (token count missing) —
// cost is undefined in either case, not zero.
func (e *Engine) Calculate(ctx context.Context, provider adapters.Provider, model string, usage *adapters.Usage) (cost float64, ok bool, err error) {
	if usage == nil {
		return 0, false, nil
	}
	price, found, err := e.Price(ctx, provider, model)
	if err != nil {
		return 0, false, err
	}
	if !found {
		return 0, false, nil
	}
	cost = (float64(usage.InputTokens)/1e6)*price.PricePerMillionInput +
		(float64(usage.OutputTokens)/1e6)*price.PricePerMillionOutput
	return cost, true, nil
}
