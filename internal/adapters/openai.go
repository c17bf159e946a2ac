package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OpenAI-family adapter: Chat Completions wire shape, shared by OpenAI,
// Cerebras, Mistral, Cohere, Ollama, VLLM and Zhipuai (spec §4.G); Ollama
// swaps in its own response adapter (ollama.go) for its usage field names.
// Auth headers (internal/orchestrator) and default endpoints
// (internal/config.ResolveProviderEndpoint) are handled outside this file.

type openAIRequestAdapter struct {
	provider        Provider
	raw             []byte
	model           string
	stream          bool
	messages        []CommonMessage
	tools           []ToolDefinition
	toolResults     []ToolResult
	modelOverride   string
	resultOverrides map[string]string
}

// NewOpenAIRequestAdapter parses a Chat Completions request body for the
// given family member.
func NewOpenAIRequestAdapter(provider Provider, body []byte) (RequestAdapter, error) {
	a := &openAIRequestAdapter{provider: provider, raw: body, resultOverrides: map[string]string{}}
	a.model = stripProviderPrefix(gjson.GetBytes(body, "model").String(), string(provider)+"/")
	a.stream = gjson.GetBytes(body, "stream").Bool()

	toolNames := map[string]string{}
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "assistant" {
			return true
		}
		msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
			toolNames[tc.Get("id").String()] = tc.Get("function.name").String()
			return true
		})
		return true
	})

	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		cm := CommonMessage{Role: role, Text: msg.Get("content").String()}
		if role == "assistant" {
			msg.Get("tool_calls").ForEach(func(_, tc gjson.Result) bool {
				var args any
				_ = json.Unmarshal([]byte(tc.Get("function.arguments").Raw), &args)
				if args == nil {
					args = tc.Get("function.arguments").String()
				}
				cm.ToolCalls = append(cm.ToolCalls, CommonToolCall{
					ID: tc.Get("id").String(), Name: tc.Get("function.name").String(), Arguments: args,
				})
				return true
			})
		}
		if role == "tool" {
			id := msg.Get("tool_call_id").String()
			tr := ToolResult{ID: id, Name: toolNames[id], Content: extractOpenAIContent(msg.Get("content"))}
			cm.ToolResults = append(cm.ToolResults, tr)
			a.toolResults = append(a.toolResults, tr)
		}
		a.messages = append(a.messages, cm)
		return true
	})

	gjson.GetBytes(body, "tools").ForEach(func(_, t gjson.Result) bool {
		fn := t.Get("function")
		var schema map[string]any
		_ = json.Unmarshal([]byte(fn.Get("parameters").Raw), &schema)
		a.tools = append(a.tools, ToolDefinition{Name: fn.Get("name").String(), Description: fn.Get("description").String(), InputSchema: schema})
		return true
	})
	return a, nil
}

func (a *openAIRequestAdapter) Provider() Provider               { return a.provider }
func (a *openAIRequestAdapter) Model() string                    { return a.model }
func (a *openAIRequestAdapter) IsStreaming() bool                { return a.stream }
func (a *openAIRequestAdapter) Messages() []CommonMessage        { return a.messages }
func (a *openAIRequestAdapter) ToolDefinitions() []ToolDefinition { return a.tools }
func (a *openAIRequestAdapter) ProposedToolResults() []ToolResult { return a.toolResults }
func (a *openAIRequestAdapter) RawMessages() []byte               { return []byte(gjson.GetBytes(a.raw, "messages").Raw) }

func (a *openAIRequestAdapter) SetModel(model string)            { a.modelOverride = model }
func (a *openAIRequestAdapter) UpdateToolResult(id, text string) { a.resultOverrides[id] = text }
func (a *openAIRequestAdapter) ApplyToolResultUpdates(m map[string]string) {
	for k, v := range m {
		a.resultOverrides[k] = v
	}
}

func (a *openAIRequestAdapter) ApplyToonCompression(toon ToonEncoder, tok Tokenizer) (ToonStats, error) {
	stats, subs := applyToonToResults(a.toolResults, a.resultOverrides, tok, func(content string) (string, bool) {
		encoded, ok := toon.Encode([]byte(content))
		if !ok {
			return "", false
		}
		return string(encoded), true
	})
	for id, v := range subs {
		a.resultOverrides[id] = v
	}
	return stats, nil
}

func (a *openAIRequestAdapter) ToProviderRequest() ([]byte, error) {
	out := a.raw
	var err error
	if a.modelOverride != "" {
		out, err = sjson.SetBytes(out, "model", a.modelOverride)
		if err != nil {
			return nil, err
		}
	}
	if len(a.resultOverrides) > 0 {
		msgs := gjson.GetBytes(out, "messages")
		for mi, msg := range msgs.Array() {
			if msg.Get("role").String() != "tool" {
				continue
			}
			id := msg.Get("tool_call_id").String()
			if replacement, ok := a.resultOverrides[id]; ok {
				out, err = sjson.SetBytes(out, fmt.Sprintf("messages.%d.content", mi), replacement)
				if err != nil {
					return nil, err
				}
			}
		}
	}
	out, err = stripOversizedImagesOpenAI(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func extractOpenAIContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var text string
	content.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			text += item.Get("text").String()
		}
		return true
	})
	return text
}

// stripOversizedImagesOpenAI replaces oversized image_url data-URIs with
// the [Image omitted due to size] placeholder text block.
func stripOversizedImagesOpenAI(body []byte) ([]byte, error) {
	out := body
	msgs := gjson.GetBytes(body, "messages")
	for mi, msg := range msgs.Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		for bi, block := range content.Array() {
			if block.Get("type").String() != "image_url" {
				continue
			}
			url := block.Get("image_url.url").String()
			if !isOversizedDataURI(url) {
				continue
			}
			path := fmt.Sprintf("messages.%d.content.%d", mi, bi)
			placeholder := map[string]any{"type": "text", "text": imageOmittedPlaceholder}
			raw, _ := json.Marshal(placeholder)
			var err error
			out, err = sjson.SetRawBytes(out, path, raw)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func isOversizedDataURI(url string) bool {
	const marker = "base64,"
	idx := indexOf(url, marker)
	if idx < 0 {
		return false
	}
	return isOversizedBase64(url[idx+len(marker):])
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// ResponseAdapter
// ---------------------------------------------------------------------------

type openAIResponseAdapter struct {
	provider Provider
	raw      []byte
}

func NewOpenAIResponseAdapter(provider Provider, body []byte) (ResponseAdapter, error) {
	return &openAIResponseAdapter{provider: provider, raw: body}, nil
}

func (r *openAIResponseAdapter) Provider() Provider { return r.provider }
func (r *openAIResponseAdapter) ID() string         { return gjson.GetBytes(r.raw, "id").String() }
func (r *openAIResponseAdapter) Model() string      { return gjson.GetBytes(r.raw, "model").String() }
func (r *openAIResponseAdapter) Text() string {
	return gjson.GetBytes(r.raw, "choices.0.message.content").String()
}

func (r *openAIResponseAdapter) ToolCalls() []CommonToolCall {
	var calls []CommonToolCall
	gjson.GetBytes(r.raw, "choices.0.message.tool_calls").ForEach(func(_, tc gjson.Result) bool {
		var args any
		_ = json.Unmarshal([]byte(tc.Get("function.arguments").Raw), &args)
		calls = append(calls, CommonToolCall{ID: tc.Get("id").String(), Name: tc.Get("function.name").String(), Arguments: args})
		return true
	})
	return calls
}

func (r *openAIResponseAdapter) Usage() Usage {
	return Usage{
		InputTokens:  int(gjson.GetBytes(r.raw, "usage.prompt_tokens").Int()),
		OutputTokens: int(gjson.GetBytes(r.raw, "usage.completion_tokens").Int()),
	}
}

func (r *openAIResponseAdapter) ToRefusalResponse(humanMessage string) ([]byte, error) {
	out, err := sjson.SetBytes(r.raw, "choices.0.message.content", humanMessage)
	if err != nil {
		return nil, err
	}
	out, err = sjson.DeleteBytes(out, "choices.0.message.tool_calls")
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "choices.0.finish_reason", "stop")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// StreamAdapter
// ---------------------------------------------------------------------------

type openAIStreamAdapter struct {
	provider     Provider
	acc          *StreamAccumulator
	roleDropped  bool
}

func NewOpenAIStreamAdapter(provider Provider, model string) StreamAdapter {
	acc := NewStreamAccumulator()
	acc.Model = model
	return &openAIStreamAdapter{provider: provider, acc: acc}
}

func (s *openAIStreamAdapter) Provider() Provider             { return s.provider }
func (s *openAIStreamAdapter) Accumulator() *StreamAccumulator { return s.acc }

func (s *openAIStreamAdapter) ProcessChunk(chunk []byte) ProcessedChunk {
	if s.acc.Timing.FirstChunk == nil {
		now := timeNow()
		s.acc.Timing.FirstChunk = &now
	}
	s.acc.ResponseID = gjson.GetBytes(chunk, "id").String()

	delta := gjson.GetBytes(chunk, "choices.0.delta")
	finish := gjson.GetBytes(chunk, "choices.0.finish_reason")
	if usage := gjson.GetBytes(chunk, "usage"); usage.Exists() && usage.IsObject() {
		s.acc.Usage = &Usage{
			InputTokens:  int(usage.Get("prompt_tokens").Int()),
			OutputTokens: int(usage.Get("completion_tokens").Int()),
		}
	}

	// Documented divergence (spec §4.G): the first role-only delta carries
	// no content and is dropped from the client stream.
	if !s.roleDropped && delta.Get("role").Exists() && !delta.Get("content").Exists() && !delta.Get("tool_calls").Exists() {
		s.roleDropped = true
		return ProcessedChunk{}
	}

	if tc := delta.Get("tool_calls"); tc.Exists() {
		s.acc.RawToolCallEvents = append(s.acc.RawToolCallEvents, chunk)
		return ProcessedChunk{IsToolCallChunk: true}
	}

	if text := delta.Get("content").String(); text != "" {
		s.acc.Text += text
	}

	if finish.Exists() && finish.String() != "" {
		s.acc.StopReason = finish.String()
		return ProcessedChunk{SSEData: chunk, IsFinal: true}
	}
	return ProcessedChunk{SSEData: chunk}
}

func (s *openAIStreamAdapter) GetSSEHeaders() map[string]string {
	return map[string]string{"Content-Type": "text/event-stream", "Cache-Control": "no-cache"}
}

func (s *openAIStreamAdapter) jsonChunk(delta map[string]any, finish any) []byte {
	payload := map[string]any{
		"id": s.acc.ResponseID, "object": "chat.completion.chunk", "model": s.acc.Model,
		"choices": []map[string]any{{"index": 0, "delta": delta, "finish_reason": finish}},
	}
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

func (s *openAIStreamAdapter) FormatTextDeltaSSE(text string) []byte {
	return s.jsonChunk(map[string]any{"content": text}, nil)
}

func (s *openAIStreamAdapter) FormatCompleteTextSSE(text string) []byte {
	return s.jsonChunk(map[string]any{"role": "assistant", "content": text}, nil)
}

func (s *openAIStreamAdapter) GetRawToolCallEvents() [][]byte { return s.acc.RawToolCallEvents }

func (s *openAIStreamAdapter) FormatEndSSE() []byte {
	var buf []byte
	buf = append(buf, s.jsonChunk(map[string]any{}, s.acc.StopReason)...)
	buf = append(buf, []byte("data: [DONE]\n\n")...)
	return buf
}

func (s *openAIStreamAdapter) FormatRefusalSSE(humanMessage string) []byte {
	var buf []byte
	buf = append(buf, s.FormatCompleteTextSSE(humanMessage)...)
	s.acc.StopReason = "stop"
	buf = append(buf, s.FormatEndSSE()...)
	return buf
}
