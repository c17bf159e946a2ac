package orchestrator

import "github.com/compresr/context-gateway/internal/adapters"

// nameDecoder is satisfied by internal/adapters' Bedrock request adapter,
// which carries a per-request Nova tool-name decode map that has to travel
// from request parsing to response/stream parsing (see
// internal/adapters/registry.go's bedrockFactory doc comment).
type nameDecoder interface {
	NameDecodeMap() map[string]string
}

// newRequestAdapter builds the provider's RequestAdapter. Bedrock needs its
// model id parsed from the URL path rather than the body, so it bypasses
// the generic Factory the way internal/adapters/registry.go documents.
func newRequestAdapter(req Request, factory adapters.Factory) (adapters.RequestAdapter, error) {
	if req.Provider == adapters.ProviderBedrock {
		model := adapters.ExtractModelFromPath(req.Path)
		return adapters.NewBedrockRequestAdapter(model, req.Body)
	}
	return factory.NewRequestAdapter(req.Body)
}

// newResponseAdapter builds the provider's ResponseAdapter, threading the
// Bedrock Nova name-decode map through when reqAdapter carries one.
func newResponseAdapter(provider adapters.Provider, factory adapters.Factory, reqAdapter adapters.RequestAdapter, body []byte) (adapters.ResponseAdapter, error) {
	if provider == adapters.ProviderBedrock {
		var decodeMap map[string]string
		if nd, ok := reqAdapter.(nameDecoder); ok {
			decodeMap = nd.NameDecodeMap()
		}
		return adapters.NewBedrockResponseAdapter(body, decodeMap)
	}
	return factory.NewResponseAdapter(body)
}

// newStreamAdapter builds the provider's StreamAdapter, threading the
// Bedrock Nova name-decode map through the same way.
func newStreamAdapter(provider adapters.Provider, factory adapters.Factory, reqAdapter adapters.RequestAdapter, model string) adapters.StreamAdapter {
	if provider == adapters.ProviderBedrock {
		var decodeMap map[string]string
		if nd, ok := reqAdapter.(nameDecoder); ok {
			decodeMap = nd.NameDecodeMap()
		}
		return adapters.NewBedrockStreamAdapter(model, decodeMap)
	}
	return factory.NewStreamAdapter(model)
}
