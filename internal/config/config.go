// Package config loads and validates the gateway configuration.
//
// DESIGN: All configuration comes from YAML files; this package applies no
// defaults of its own. Validate requires the server port and timeouts and a
// model for every configured provider; the other sections may be omitted.
//
// FILES:
//   - config.go:     Root Config struct, Load(), Validate()
//   - providers.go:  Per-provider upstream settings
//   - monitoring.go: Logging and alert settings
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the Context Gateway.
// No defaults are applied here; see Validate for the required fields.
type Config struct {
	Server       ServerConfig       `yaml:"server"`       // HTTP server settings
	URLs         URLsConfig         `yaml:"urls"`         // Upstream URLs
	Providers    ProvidersConfig    `yaml:"providers"`    // LLM provider configurations
	Interactions InteractionsConfig `yaml:"interactions"` // Interaction-record persistence
	Agents       AgentsConfig       `yaml:"agents"`       // Per-organization agent directory
	ToolPolicy   ToolPolicyConfig   `yaml:"tool_policy"`  // Global tool-invocation policy
	TrustedData  TrustedDataConfig  `yaml:"trusted_data"` // Dual-LLM evaluator settings
	Monitoring   MonitoringConfig   `yaml:"monitoring"`   // Logging and alert thresholds
}

// InteractionsConfig configures where interaction records are persisted.
type InteractionsConfig struct {
	DBPath string `yaml:"db_path"` // sqlite file path; ":memory:" for tests
}

// AgentConfig is one agent's static policy (spec §4.F/§4.H agent resolution).
type AgentConfig struct {
	ID                       string   `yaml:"id"`
	OrgID                    string   `yaml:"org_id"`
	ConsiderContextUntrusted bool     `yaml:"consider_context_untrusted"`
	Teams                    []string `yaml:"teams"`
	AllowTools               []string `yaml:"allow_tools"`
	DenyTools                []string `yaml:"deny_tools"`
	EnabledTools             []string `yaml:"enabled_tools"`
}

// AgentsConfig is the static agent directory and each org's default agent.
type AgentsConfig struct {
	Agents         []AgentConfig     `yaml:"agents"`
	DefaultAgentID map[string]string `yaml:"default_agent_id"` // orgID -> agent id
	Budgets        map[string]int64  `yaml:"budgets"`          // orgID -> request budget; absent = unlimited
}

// ToolPolicyConfig configures the global tool-invocation policy (spec §4.F).
type ToolPolicyConfig struct {
	Global string `yaml:"global"` // "permissive" | "restrictive"
}

// TrustedDataConfig configures the dual-LLM trusted-data evaluator (spec §4.E).
type TrustedDataConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`       // "" reuses the primary request's model
	MaxTokens int    `yaml:"max_tokens"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`          // Port to listen on
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // Max time to read request
	WriteTimeout time.Duration `yaml:"write_timeout"` // Max time to write response
}

// URLsConfig contains upstream URL configuration.
type URLsConfig struct {
	Gateway  string `yaml:"gateway"`  // Gateway's own URL (for external access)
	Compresr string `yaml:"compresr"` // Compresr platform URL - not used in current release
}

// expandEnvWithDefaults expands environment variables with support for default values.
// Supports both ${VAR} and ${VAR:-default} syntax.
func expandEnvWithDefaults(s string) string {
	// Pattern matches ${VAR:-default} or ${VAR}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name and default value
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultValue := ""
		if len(parts) > 2 {
			defaultValue = parts[2]
		}

		// Get environment variable value
		if value := os.Getenv(varName); value != "" {
			return value
		}

		// Return default if provided, otherwise empty string
		return defaultValue
	})
}

// Load reads configuration from a YAML file.
// Returns an error if the file doesn't exist or is invalid.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes.
// Supports ${VAR:-default} env var expansion, env overrides, and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables (supports ${VAR:-default} syntax)
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides for the log output path
	// This allows Harbor/Daytona to redirect logs without modifying config files
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ExpandEnvWithDefaults expands environment variables with support for default values.
// Exported for callers outside this package; nothing in this module calls it.
func ExpandEnvWithDefaults(s string) string {
	return expandEnvWithDefaults(s)
}

// applyEnvOverrides applies environment variable overrides to the config.
// This allows external systems (Harbor, Daytona) to redirect the log
// output without modifying the base config files.
func (c *Config) applyEnvOverrides() {
	// SESSION_LOG_OUTPUT overrides the log output path
	if envPath := os.Getenv("SESSION_LOG_OUTPUT"); envPath != "" {
		c.Monitoring.LogOutput = envPath
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Server validation
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ReadTimeout == 0 {
		return fmt.Errorf("server.read_timeout is required")
	}
	if c.Server.WriteTimeout == 0 {
		return fmt.Errorf("server.write_timeout is required")
	}

	// Providers validation (if defined)
	if c.Providers != nil {
		if err := c.Providers.Validate(); err != nil {
			return err
		}
	}

	// Validate provider references
	if err := c.ValidateUsedProviders(); err != nil {
		return err
	}

	return nil
}
