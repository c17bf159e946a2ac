// Package adapters implements the provider-adapter abstraction (spec 4.G):
// one RequestAdapter/ResponseAdapter/StreamAdapter triple per upstream LLM
// provider, translating between the provider's wire format and the common
// intermediate form the rest of the core operates on.
//
// DESIGN: the per-provider families form a closed set. Rather than deep
// inheritance, each provider is a concrete type behind the three interfaces
// in adapter.go, selected by a factory (registry.go). OpenAI-compatible
// providers (OpenAI, Cerebras, Mistral, Cohere, Ollama, VLLM, Zhipuai) share
// a single implementation parameterized by its Provider value, since their
// wire format and streaming delta shape are identical; Ollama adds its own
// response adapter for its usage field names. Auth headers are set by
// internal/orchestrator and default endpoints come from
// internal/config.ResolveProviderEndpoint.
package adapters

// Provider tags every supported upstream.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderGemini     Provider = "gemini"
	ProviderBedrock    Provider = "bedrock"
	ProviderCohere     Provider = "cohere"
	ProviderMistral    Provider = "mistral"
	ProviderCerebras   Provider = "cerebras"
	ProviderOllama     Provider = "ollama"
	ProviderVLLM       Provider = "vllm"
	ProviderZhipuai    Provider = "zhipuai"
)

// openAIFamily is the set of providers that share the Chat Completions wire
// shape (spec 4.G "OpenAI family").
var openAIFamily = map[Provider]bool{
	ProviderOpenAI:   true,
	ProviderCerebras: true,
	ProviderMistral:  true,
	ProviderCohere:   true,
	ProviderOllama:   true,
	ProviderVLLM:     true,
	ProviderZhipuai:  true,
}

// IsOpenAIFamily reports whether p shares the OpenAI delta-accumulation
// state machine.
func IsOpenAIFamily(p Provider) bool {
	return openAIFamily[p]
}

// ChatEndpointSuffix returns the exact suffix spec.md §6 names for p.
func ChatEndpointSuffix(p Provider) string {
	switch p {
	case ProviderAnthropic:
		return "/v1/messages"
	case ProviderGemini:
		return "/generateContent"
	case ProviderCohere:
		return "/chat"
	case ProviderBedrock:
		return "/converse"
	default:
		return "/chat/completions"
	}
}

// StreamingEndpointSuffix returns the streaming-variant suffix, where it
// differs from ChatEndpointSuffix (only Gemini and Bedrock have a distinct
// streaming path; everyone else multiplexes streaming via a body flag).
func StreamingEndpointSuffix(p Provider) string {
	switch p {
	case ProviderGemini:
		return "/streamGenerateContent"
	case ProviderBedrock:
		return "/converse-stream"
	default:
		return ChatEndpointSuffix(p)
	}
}
