package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MODEL EXTRACTION FROM URL PATH
// =============================================================================

func TestExtractModelFromPath(t *testing.T) {
	cases := []struct {
		name string
		path string
		want string
	}{
		{"converse", "/model/amazon.nova-pro-v1%3A0/converse", "amazon.nova-pro-v1:0"},
		{"converse-stream", "/model/anthropic.claude-3-5-sonnet-20241022-v2%3A0/converse-stream", "anthropic.claude-3-5-sonnet-20241022-v2:0"},
		{"lowercase escape", "/model/anthropic.claude%3av1/converse", "anthropic.claude:v1"},
		{"no model segment", "/healthz", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractModelFromPath(tc.path))
		})
	}
}

// =============================================================================
// NOVA TOOL NAME ROUND-TRIP (spec §4.G, §8 property 8, scenario S4)
// =============================================================================

func TestBedrockRequestAdapter_NovaToolNameRoundTrip(t *testing.T) {
	body := []byte(`{
		"toolConfig": {"tools": [{"toolSpec": {"name": "read-file", "description": "reads a file", "inputSchema": {"json": {"type": "object"}}}}]},
		"messages": [{"role": "user", "content": [{"text": "hi"}]}]
	}`)

	reqAdapter, err := NewBedrockRequestAdapter("amazon.nova-pro-v1:0", body)
	require.NoError(t, err)

	bedrockAdapter := reqAdapter.(*bedrockRequestAdapter)
	require.True(t, bedrockAdapter.isNova)

	// The client's hyphenated tool name is preserved in ToolDefinitions()...
	defs := reqAdapter.ToolDefinitions()
	require.Len(t, defs, 1)
	assert.Equal(t, "read-file", defs[0].Name)

	// ...but the wire form sent to Nova has it underscore-encoded.
	out, err := reqAdapter.ToProviderRequest()
	require.NoError(t, err)
	assert.Contains(t, string(out), `"name": "read_file"`)

	// NameDecodeMap lets the response adapter translate back.
	nameDecode := bedrockAdapter.NameDecodeMap()
	assert.Equal(t, "read-file", nameDecode["read_file"])
}

func TestBedrockResponseAdapter_DecodesNovaToolNameBack(t *testing.T) {
	// Nova's own response uses the encoded (underscored) name.
	body := []byte(`{
		"output": {"message": {"content": [{"toolUse": {"toolUseId": "t1", "name": "read_file", "input": {"path": "x"}}}]}},
		"usage": {"inputTokens": 10, "outputTokens": 5}
	}`)
	nameDecode := map[string]string{"read_file": "read-file"}

	respAdapter, err := NewBedrockResponseAdapter(body, nameDecode)
	require.NoError(t, err)

	calls := respAdapter.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "read-file", calls[0].Name, "client should see its original hyphenated name back")
}

func TestBedrockResponseAdapter_NonNovaPassesNameThrough(t *testing.T) {
	body := []byte(`{
		"output": {"message": {"content": [{"toolUse": {"toolUseId": "t1", "name": "read-file", "input": {}}}]}},
		"usage": {"inputTokens": 1, "outputTokens": 1}
	}`)

	respAdapter, err := NewBedrockResponseAdapter(body, nil)
	require.NoError(t, err)

	calls := respAdapter.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "read-file", calls[0].Name)
}

// =============================================================================
// OVERSIZED IMAGE STRIPPING (spec §4.G)
// =============================================================================

func TestBedrockRequestAdapter_StripsOversizedImage(t *testing.T) {
	large := make([]byte, 200*1024)
	for i := range large {
		large[i] = 'A'
	}
	body := []byte(`{"messages":[{"role":"user","content":[{"image":{"source":{"bytes":"` + string(large) + `"}}}]}]}`)

	reqAdapter, err := NewBedrockRequestAdapter("anthropic.claude-3-5-sonnet", body)
	require.NoError(t, err)

	out, err := reqAdapter.ToProviderRequest()
	require.NoError(t, err)
	assert.Contains(t, string(out), imageOmittedPlaceholder)
}

// =============================================================================
// TOOL RESULT SUBSTITUTION VIA TOON
// =============================================================================

func TestBedrockRequestAdapter_ApplyToonCompression_SubstitutesEffectiveResults(t *testing.T) {
	body := []byte(`{
		"messages": [
			{"role": "assistant", "content": [{"toolUse": {"toolUseId": "t1", "name": "search", "input": {}}}]},
			{"role": "user", "content": [{"toolResult": {"toolUseId": "t1", "status": "success", "content": [{"text": "[{\"id\":1,\"name\":\"a\"},{\"id\":2,\"name\":\"b\"}]"}]}}]}
		]
	}`)

	reqAdapter, err := NewBedrockRequestAdapter("anthropic.claude-3-5-sonnet", body)
	require.NoError(t, err)

	stats, err := reqAdapter.ApplyToonCompression(toonEncoderStub{}, charCountTokenizer{})
	require.NoError(t, err)
	assert.True(t, stats.HadToolResults)
	assert.True(t, stats.TokensBefore >= stats.TokensAfter)
}

// toonEncoderStub implements adapters.ToonEncoder with the real encoding
// logic stubbed out: every input encodes to the fixed short text "id:1",
// good enough to exercise the substitution path deterministically.
type toonEncoderStub struct{}

func (toonEncoderStub) Encode(jsonValue []byte) ([]byte, bool) {
	return []byte(`id:1`), true
}
