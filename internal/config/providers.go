// Per-provider upstream configuration: API keys, models, and endpoint
// overrides for each upstream the gateway is allowed to proxy to.
package config

import "fmt"

// ProviderConfig is one upstream provider's static configuration.
type ProviderConfig struct {
	APIKey   string `yaml:"api_key"`  // empty is valid: captured from the inbound request instead
	Model    string `yaml:"model"`    // used only to auto-resolve Endpoint; not filled into requests
	Endpoint string `yaml:"endpoint"` // override; empty auto-resolves from provider+model
}

// GetEndpoint returns the configured endpoint, or the auto-resolved one for
// providerName/c.Model if none was set.
func (c ProviderConfig) GetEndpoint(providerName string) string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return ResolveProviderEndpoint(providerName, c.Model)
}

// ProvidersConfig maps a provider name (as it appears in the request path,
// e.g. "anthropic", "openai", "gemini") to its static configuration.
type ProvidersConfig map[string]ProviderConfig

// Validate checks every configured provider has a model named; an absent
// API key is fine, since some deployments forward the caller's own key.
func (p ProvidersConfig) Validate() error {
	for name, cfg := range p {
		if cfg.Model == "" {
			return fmt.Errorf("providers.%s: model is required", name)
		}
	}
	return nil
}

// ResolveProvider looks up a provider's static configuration by name.
func (c *Config) ResolveProvider(name string) (ProviderConfig, bool) {
	cfg, ok := c.Providers[name]
	return cfg, ok
}

// ValidateUsedProviders is a placeholder extension point for deployments
// that want cross-section validation (e.g. "every provider a pipe strategy
// names must be defined above") — the orchestrator-based pipeline resolves
// providers per request from ProvidersConfig directly rather than through
// named pipe strategies, so there is nothing to cross-check today.
func (c *Config) ValidateUsedProviders() error {
	return nil
}

// ResolveProviderEndpoint returns the default upstream endpoint for a given
// provider and model, used when no explicit override is configured.
func ResolveProviderEndpoint(provider, model string) string {
	switch provider {
	case "anthropic":
		return "https://api.anthropic.com/v1/messages"
	case "gemini":
		return fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", model)
	case "cohere":
		return "https://api.cohere.com/v2/chat"
	case "mistral":
		return "https://api.mistral.ai/v1/chat/completions"
	case "cerebras":
		return "https://api.cerebras.ai/v1/chat/completions"
	case "zhipuai":
		return "https://open.bigmodel.cn/api/paas/v4/chat/completions"
	case "openai", "":
		return "https://api.openai.com/v1/chat/completions"
	default:
		// ollama/vllm and any self-hosted provider requires an explicit
		// endpoint override; unknown names default to the OpenAI-compatible
		// shape since most self-hosted servers speak it.
		return "https://api.openai.com/v1/chat/completions"
	}
}
