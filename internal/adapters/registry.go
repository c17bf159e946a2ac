// Registry resolves a Provider to its Factory (spec §4.G). Thread-safe map
// lookup, built-in factories registered at construction — same shape as the
// teacher's adapter registry, generalized from "adapter by name" to
// "Factory triple by Provider".
package adapters

import "sync"

// Registry holds one Factory per supported provider.
type Registry struct {
	mu        sync.RWMutex
	factories map[Provider]Factory
}

// NewRegistry builds a Registry with all ten built-in provider factories
// registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Provider]Factory)}
	r.Register(anthropicFactory{})
	r.Register(geminiFactory{})
	r.Register(bedrockFactory{})
	for p := range openAIFamily {
		r.Register(openAIFamilyFactory{provider: p})
	}
	// Ollama shares the OpenAI-family request/stream adapters but overrides
	// usage accounting on its ResponseAdapter (see ollama.go), so it gets
	// its own Factory rather than routing through openAIFamilyFactory.
	r.Register(ollamaFactory{})
	return r
}

// Register adds or replaces a provider's Factory.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Provider()] = f
}

// Get returns the Factory for p, or ok=false if unregistered.
func (r *Registry) Get(p Provider) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[p]
	return f, ok
}

// ---------------------------------------------------------------------------
// Factory implementations
// ---------------------------------------------------------------------------

type anthropicFactory struct{}

func (anthropicFactory) Provider() Provider { return ProviderAnthropic }
func (anthropicFactory) NewRequestAdapter(body []byte) (RequestAdapter, error) {
	return NewAnthropicRequestAdapter(body)
}
func (anthropicFactory) NewResponseAdapter(body []byte) (ResponseAdapter, error) {
	return NewAnthropicResponseAdapter(body)
}
func (anthropicFactory) NewStreamAdapter(model string) StreamAdapter {
	return NewAnthropicStreamAdapter(model)
}

type geminiFactory struct{}

func (geminiFactory) Provider() Provider { return ProviderGemini }
func (geminiFactory) NewRequestAdapter(body []byte) (RequestAdapter, error) {
	return NewGeminiRequestAdapter(body)
}
func (geminiFactory) NewResponseAdapter(body []byte) (ResponseAdapter, error) {
	return NewGeminiResponseAdapter(body)
}
func (geminiFactory) NewStreamAdapter(model string) StreamAdapter {
	return NewGeminiStreamAdapter(model)
}

type openAIFamilyFactory struct{ provider Provider }

func (f openAIFamilyFactory) Provider() Provider { return f.provider }
func (f openAIFamilyFactory) NewRequestAdapter(body []byte) (RequestAdapter, error) {
	return NewOpenAIRequestAdapter(f.provider, body)
}
func (f openAIFamilyFactory) NewResponseAdapter(body []byte) (ResponseAdapter, error) {
	return NewOpenAIResponseAdapter(f.provider, body)
}
func (f openAIFamilyFactory) NewStreamAdapter(model string) StreamAdapter {
	return NewOpenAIStreamAdapter(f.provider, model)
}

type ollamaFactory struct{}

func (ollamaFactory) Provider() Provider { return ProviderOllama }
func (ollamaFactory) NewRequestAdapter(body []byte) (RequestAdapter, error) {
	return NewOpenAIRequestAdapter(ProviderOllama, body)
}
func (ollamaFactory) NewResponseAdapter(body []byte) (ResponseAdapter, error) {
	return NewOllamaResponseAdapter(body)
}
func (ollamaFactory) NewStreamAdapter(model string) StreamAdapter {
	return NewOpenAIStreamAdapter(ProviderOllama, model)
}

// bedrockFactory satisfies the generic Factory contract, but Bedrock's
// model id lives in the URL path rather than the request body and its
// Nova tool-name mapping must travel from the request parse to the
// matching response/stream parse (spec §4.G, §8 property 8). Those two
// needs don't fit the provider-agnostic Factory signature (NewRequestAdapter
// takes only a body; NewStreamAdapter/NewResponseAdapter have no slot for a
// name-decode map), so internal/orchestrator calls
// NewBedrockRequestAdapter/NewBedrockResponseAdapter/NewBedrockStreamAdapter
// directly for this one provider, threading the path-derived model and the
// adapter's NameDecodeMap() by hand. bedrockFactory exists so Bedrock still
// appears in the Registry like every other provider for anything that only
// needs Provider()/endpoint lookups; its NewRequestAdapter/NewResponseAdapter/
// NewStreamAdapter are a best-effort fallback (empty model, no name
// decoding) and are not the path the orchestrator actually takes.
type bedrockFactory struct{}

func (bedrockFactory) Provider() Provider { return ProviderBedrock }
func (bedrockFactory) NewRequestAdapter(body []byte) (RequestAdapter, error) {
	return NewBedrockRequestAdapter("", body)
}
func (bedrockFactory) NewResponseAdapter(body []byte) (ResponseAdapter, error) {
	return NewBedrockResponseAdapter(body, nil)
}
func (bedrockFactory) NewStreamAdapter(model string) StreamAdapter {
	return NewBedrockStreamAdapter(model, nil)
}
