// Monitoring configuration - logging and alert settings.
//
// DESIGN: Logging (zerolog) is for operators; the per-interaction event
// internal/monitoring.RequestObserver logs is structured the same way, so
// there's a single set of level/format/output knobs rather than a
// separate telemetry subsystem.
package config

import "time"

// MonitoringConfig contains all monitoring settings.
type MonitoringConfig struct {
	// Logging settings
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogOutput string `yaml:"log_output"` // stdout, stderr, or file path

	// HighLatencyThreshold is how long a request may run before
	// internal/monitoring.AlertManager.FlagHighLatency warns about it.
	HighLatencyThreshold time.Duration `yaml:"high_latency_threshold"`
}
