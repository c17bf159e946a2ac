// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/successes: Total and successful request counts
//   - refusals:           Requests the tool-policy/trusted-data stage refused
//   - toonEffective:      Requests where TOON compression actually reduced tokens
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"sync/atomic"
	"time"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	requests      atomic.Int64
	successes     atomic.Int64
	refusals      atomic.Int64
	toonEffective atomic.Int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// RecordRequest records a request.
func (mc *MetricsCollector) RecordRequest(success bool, _ time.Duration) {
	mc.requests.Add(1)
	if success {
		mc.successes.Add(1)
	}
}

// RecordRefusal records a tool-policy/trusted-data refusal.
func (mc *MetricsCollector) RecordRefusal() { mc.refusals.Add(1) }

// RecordToonEffective records a request where TOON compression reduced
// tokens (spec §4.C property 4: "substituted iff tokensAfter < tokensBefore").
func (mc *MetricsCollector) RecordToonEffective() { mc.toonEffective.Add(1) }

// Stats returns current metrics.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":       mc.requests.Load(),
		"successes":      mc.successes.Load(),
		"refusals":       mc.refusals.Load(),
		"toon_effective": mc.toonEffective.Load(),
	}
}

// Stop is a no-op for compatibility.
func (mc *MetricsCollector) Stop() {}
