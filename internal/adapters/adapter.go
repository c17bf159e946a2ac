// Package adapters implements the provider-adapter abstraction (spec 4.G).
//
// DESIGN: each provider satisfies the same RequestAdapter/ResponseAdapter/
// StreamAdapter contract (a tagged set of concrete types behind one
// interface triple, not deep inheritance — see SPEC_FULL.md Design Notes).
// Mutation of the upstream request is deferred: callers record desired
// changes (SetModel, UpdateToolResult, ApplyToolResultUpdates) and the
// adapter applies them once, in ToProviderRequest, using tidwall/gjson to
// read and tidwall/sjson to patch the original bytes in place rather than
// decoding and re-marshaling the full body (preserves field order and
// unknown fields, same idiom the teacher's extract/apply pairs used).
package adapters

// RequestAdapter reads the common view of an upstream request and
// accumulates deferred mutations, materializing them once via
// ToProviderRequest (spec §4.G, §9 "overrides maps instead of in-place
// edits").
type RequestAdapter interface {
	Provider() Provider

	Model() string
	IsStreaming() bool
	Messages() []CommonMessage
	ToolDefinitions() []ToolDefinition
	ProposedToolResults() []ToolResult
	RawMessages() []byte

	SetModel(model string)
	UpdateToolResult(id, text string)
	ApplyToolResultUpdates(overrides map[string]string)
	ApplyToonCompression(toon ToonEncoder, tokenizer Tokenizer) (ToonStats, error)

	// ToProviderRequest materializes the modified request body, applying
	// overrides and replacing oversized base64 images with a placeholder
	// (Anthropic, OpenAI-family and Bedrock bodies; Gemini bodies are not
	// scanned for images). MCP-style image blocks are passed through as they
	// are; no adapter rewrites them into a provider-native image form.
	ToProviderRequest() ([]byte, error)
}

// ToonEncoder is the narrow interface internal/toon exposes back to
// adapters, kept here to avoid an import cycle (adapters is imported by
// internal/toon's caller, internal/orchestrator, not the other way).
type ToonEncoder interface {
	Encode(jsonValue []byte) (toon []byte, ok bool)
}

// Tokenizer is the narrow interface internal/tokenizer exposes to adapters.
type Tokenizer interface {
	CountTokens(text string) int
}

// ToonStats is the per-request result of TOON substitution (spec §4.C).
type ToonStats struct {
	TokensBefore   int
	TokensAfter    int
	CostSavings    float64
	WasEffective   bool
	HadToolResults bool
	SkipReason     string // "" | not_enabled | no_tool_results | not_effective
}

// ResponseAdapter reads a non-streaming upstream response in its common
// shape and can synthesize a refusal in the provider's own response shape.
type ResponseAdapter interface {
	Provider() Provider

	ID() string
	Model() string
	Text() string
	ToolCalls() []CommonToolCall
	Usage() Usage

	// ToRefusalResponse returns a non-streamed response with the text block
	// replaced and a stop_reason equivalent to "end_turn" (spec §4.G).
	ToRefusalResponse(humanMessage string) ([]byte, error)
}

// StreamAdapter drives the chunk-by-chunk state machine for one streaming
// response (spec §4.G). A StreamAdapter owns exactly one StreamAccumulator
// for its lifetime.
type StreamAdapter interface {
	Provider() Provider
	Accumulator() *StreamAccumulator

	// ProcessChunk consumes one upstream chunk (the payload of one SSE
	// "data:" line for JSON-line/Anthropic providers, a decoded
	// event-stream frame payload for Bedrock) and reports what, if
	// anything, should reach the client.
	ProcessChunk(chunk []byte) ProcessedChunk

	GetSSEHeaders() map[string]string
	FormatTextDeltaSSE(text string) []byte
	FormatCompleteTextSSE(text string) []byte
	GetRawToolCallEvents() [][]byte
	FormatEndSSE() []byte

	// FormatRefusalSSE synthesizes a policy refusal as provider-native
	// stream framing: one or more text deltas carrying humanMessage
	// followed by the terminal frame(s), used when tool-invocation policy
	// blocks the response after streaming has already begun.
	FormatRefusalSSE(humanMessage string) []byte
}

// Factory constructs the three adapters for one provider from raw wire
// bytes (request construction is lazy: NewRequestAdapter parses just
// enough to answer Model/IsStreaming/Messages cheaply).
type Factory interface {
	Provider() Provider
	NewRequestAdapter(body []byte) (RequestAdapter, error)
	NewResponseAdapter(body []byte) (ResponseAdapter, error)
	NewStreamAdapter(model string) StreamAdapter
}
