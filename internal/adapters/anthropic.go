package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AnthropicAdapter family: Anthropic Messages API
// (https://docs.anthropic.com/en/api/messages). Bedrock has its own
// Converse-shaped adapters in bedrock.go and does not reuse these types.

// ---------------------------------------------------------------------------
// RequestAdapter
// ---------------------------------------------------------------------------

type anthropicRequestAdapter struct {
	raw             []byte
	model           string
	stream          bool
	messages        []CommonMessage
	tools           []ToolDefinition
	toolResults     []ToolResult
	modelOverride   string
	resultOverrides map[string]string
}

// NewAnthropicRequestAdapter parses an Anthropic Messages request body.
func NewAnthropicRequestAdapter(body []byte) (RequestAdapter, error) {
	a := &anthropicRequestAdapter{raw: body, resultOverrides: map[string]string{}}
	a.model = stripProviderPrefix(gjson.GetBytes(body, "model").String(), "anthropic/")
	a.stream = gjson.GetBytes(body, "stream").Bool()

	toolNames := map[string]string{}
	msgs := gjson.GetBytes(body, "messages")
	msgs.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role == "assistant" {
			msg.Get("content").ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "tool_use" {
					toolNames[block.Get("id").String()] = block.Get("name").String()
				}
				return true
			})
		}
		return true
	})

	msgs.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		cm := CommonMessage{Role: role, Text: extractAnthropicText(msg.Get("content"))}
		if role == "assistant" {
			msg.Get("content").ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "tool_use" {
					var args any
					_ = json.Unmarshal([]byte(block.Get("input").Raw), &args)
					cm.ToolCalls = append(cm.ToolCalls, CommonToolCall{
						ID: block.Get("id").String(), Name: block.Get("name").String(), Arguments: args,
					})
				}
				return true
			})
		}
		if role == "user" {
			msg.Get("content").ForEach(func(_, block gjson.Result) bool {
				if block.Get("type").String() == "tool_result" {
					id := block.Get("tool_use_id").String()
					tr := ToolResult{
						ID: id, Name: toolNames[id],
						Content: extractAnthropicBlockContent(block),
						IsError: block.Get("is_error").Bool(),
					}
					cm.ToolResults = append(cm.ToolResults, tr)
					a.toolResults = append(a.toolResults, tr)
				}
				return true
			})
		}
		a.messages = append(a.messages, cm)
		return true
	})

	gjson.GetBytes(body, "tools").ForEach(func(_, t gjson.Result) bool {
		var schema map[string]any
		_ = json.Unmarshal([]byte(t.Get("input_schema").Raw), &schema)
		a.tools = append(a.tools, ToolDefinition{
			Name: t.Get("name").String(), Description: t.Get("description").String(), InputSchema: schema,
		})
		return true
	})
	return a, nil
}

func (a *anthropicRequestAdapter) Provider() Provider              { return ProviderAnthropic }
func (a *anthropicRequestAdapter) Model() string                   { return a.model }
func (a *anthropicRequestAdapter) IsStreaming() bool                { return a.stream }
func (a *anthropicRequestAdapter) Messages() []CommonMessage        { return a.messages }
func (a *anthropicRequestAdapter) ToolDefinitions() []ToolDefinition { return a.tools }
func (a *anthropicRequestAdapter) ProposedToolResults() []ToolResult { return a.toolResults }
func (a *anthropicRequestAdapter) RawMessages() []byte               { return []byte(gjson.GetBytes(a.raw, "messages").Raw) }

func (a *anthropicRequestAdapter) SetModel(model string) { a.modelOverride = model }

func (a *anthropicRequestAdapter) UpdateToolResult(id, text string) {
	a.resultOverrides[id] = text
}

func (a *anthropicRequestAdapter) ApplyToolResultUpdates(overrides map[string]string) {
	for k, v := range overrides {
		a.resultOverrides[k] = v
	}
}

func (a *anthropicRequestAdapter) ApplyToonCompression(toon ToonEncoder, tok Tokenizer) (ToonStats, error) {
	stats, substitutions := applyToonToResults(a.toolResults, a.resultOverrides, tok, func(content string) (string, bool) {
		encoded, ok := toon.Encode([]byte(content))
		if !ok {
			return "", false
		}
		return string(encoded), true
	})
	for id, v := range substitutions {
		a.resultOverrides[id] = v
	}
	return stats, nil
}

func (a *anthropicRequestAdapter) ToProviderRequest() ([]byte, error) {
	out := a.raw
	var err error
	if a.modelOverride != "" {
		out, err = sjson.SetBytes(out, "model", a.modelOverride)
		if err != nil {
			return nil, err
		}
	}
	if len(a.resultOverrides) > 0 {
		out, err = rewriteAnthropicToolResults(out, a.resultOverrides)
		if err != nil {
			return nil, err
		}
	}
	out, err = stripOversizedImagesAnthropic(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func rewriteAnthropicToolResults(body []byte, overrides map[string]string) ([]byte, error) {
	out := body
	msgs := gjson.GetBytes(body, "messages")
	for mi, msg := range msgs.Array() {
		if msg.Get("role").String() != "user" {
			continue
		}
		for bi, block := range msg.Get("content").Array() {
			if block.Get("type").String() != "tool_result" {
				continue
			}
			id := block.Get("tool_use_id").String()
			replacement, ok := overrides[id]
			if !ok {
				continue
			}
			path := fmt.Sprintf("messages.%d.content.%d.content", mi, bi)
			var err error
			out, err = sjson.SetBytes(out, path, replacement)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// stripOversizedImagesAnthropic replaces base64 image blocks whose decoded
// size exceeds 100 KiB with a placeholder text block (spec §4.G).
func stripOversizedImagesAnthropic(body []byte) ([]byte, error) {
	out := body
	msgs := gjson.GetBytes(body, "messages")
	for mi, msg := range msgs.Array() {
		for bi, block := range msg.Get("content").Array() {
			if block.Get("type").String() != "image" {
				continue
			}
			data := block.Get("source.data").String()
			if !isOversizedBase64(data) {
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

func extractAnthropicText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var text string
	content.ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
		return true
	})
	return text
}

func extractAnthropicBlockContent(block gjson.Result) string {
	content := block.Get("content")
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

// ---------------------------------------------------------------------------
// ResponseAdapter
// ---------------------------------------------------------------------------

type anthropicResponseAdapter struct {
	raw []byte
}

func NewAnthropicResponseAdapter(body []byte) (ResponseAdapter, error) {
	return &anthropicResponseAdapter{raw: body}, nil
}

func (r *anthropicResponseAdapter) Provider() Provider { return ProviderAnthropic }
func (r *anthropicResponseAdapter) ID() string         { return gjson.GetBytes(r.raw, "id").String() }
func (r *anthropicResponseAdapter) Model() string       { return gjson.GetBytes(r.raw, "model").String() }

func (r *anthropicResponseAdapter) Text() string {
	var text string
	gjson.GetBytes(r.raw, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
		return true
	})
	return text
}

func (r *anthropicResponseAdapter) ToolCalls() []CommonToolCall {
	var calls []CommonToolCall
	gjson.GetBytes(r.raw, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "tool_use" {
			var args any
			_ = json.Unmarshal([]byte(block.Get("input").Raw), &args)
			calls = append(calls, CommonToolCall{ID: block.Get("id").String(), Name: block.Get("name").String(), Arguments: args})
		}
		return true
	})
	return calls
}

func (r *anthropicResponseAdapter) Usage() Usage {
	return Usage{
		InputTokens:  int(gjson.GetBytes(r.raw, "usage.input_tokens").Int()),
		OutputTokens: int(gjson.GetBytes(r.raw, "usage.output_tokens").Int()),
	}
}

func (r *anthropicResponseAdapter) ToRefusalResponse(humanMessage string) ([]byte, error) {
	out := r.raw
	textBlock := map[string]any{"type": "text", "text": humanMessage}
	raw, _ := json.Marshal([]any{textBlock})
	out, err := sjson.SetRawBytes(out, "content", raw)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "stop_reason", "end_turn")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// StreamAdapter
// ---------------------------------------------------------------------------

type anthropicStreamAdapter struct {
	acc         *StreamAccumulator
	toolIndices map[int]bool
}

func NewAnthropicStreamAdapter(model string) StreamAdapter {
	acc := NewStreamAccumulator()
	acc.Model = model
	return &anthropicStreamAdapter{acc: acc, toolIndices: map[int]bool{}}
}

func (s *anthropicStreamAdapter) Provider() Provider               { return ProviderAnthropic }
func (s *anthropicStreamAdapter) Accumulator() *StreamAccumulator { return s.acc }

// ProcessChunk dispatches on the Anthropic SSE event's own "type" field
// (spec §4.G: named events message_start/content_block_start/
// content_block_delta/content_block_stop/message_delta/message_stop).
func (s *anthropicStreamAdapter) ProcessChunk(chunk []byte) ProcessedChunk {
	evt := gjson.GetBytes(chunk, "type").String()
	switch evt {
	case "message_start":
		s.acc.ResponseID = gjson.GetBytes(chunk, "message.id").String()
		if s.acc.Timing.FirstChunk == nil {
			now := timeNow()
			s.acc.Timing.FirstChunk = &now
		}
		return ProcessedChunk{SSEData: chunk}
	case "content_block_start":
		idx := int(gjson.GetBytes(chunk, "index").Int())
		if gjson.GetBytes(chunk, "content_block.type").String() == "tool_use" {
			s.toolIndices[idx] = true
			s.acc.RawToolCallEvents = append(s.acc.RawToolCallEvents, chunk)
			return ProcessedChunk{IsToolCallChunk: true}
		}
		return ProcessedChunk{SSEData: chunk}
	case "content_block_delta":
		idx := int(gjson.GetBytes(chunk, "index").Int())
		if s.toolIndices[idx] {
			s.acc.RawToolCallEvents = append(s.acc.RawToolCallEvents, chunk)
			return ProcessedChunk{IsToolCallChunk: true}
		}
		if text := gjson.GetBytes(chunk, "delta.text").String(); text != "" {
			s.acc.Text += text
		}
		return ProcessedChunk{SSEData: chunk}
	case "content_block_stop":
		idx := int(gjson.GetBytes(chunk, "index").Int())
		if s.toolIndices[idx] {
			s.acc.RawToolCallEvents = append(s.acc.RawToolCallEvents, chunk)
			return ProcessedChunk{IsToolCallChunk: true}
		}
		return ProcessedChunk{SSEData: chunk}
	case "message_delta":
		s.acc.StopReason = gjson.GetBytes(chunk, "delta.stop_reason").String()
		s.acc.Usage = &Usage{
			InputTokens:  int(gjson.GetBytes(chunk, "usage.input_tokens").Int()),
			OutputTokens: int(gjson.GetBytes(chunk, "usage.output_tokens").Int()),
		}
		return ProcessedChunk{SSEData: chunk}
	case "message_stop":
		return ProcessedChunk{SSEData: chunk, IsFinal: true}
	default:
		return ProcessedChunk{SSEData: chunk}
	}
}

func (s *anthropicStreamAdapter) GetSSEHeaders() map[string]string {
	return map[string]string{"Content-Type": "text/event-stream", "Cache-Control": "no-cache"}
}

func (s *anthropicStreamAdapter) FormatTextDeltaSSE(text string) []byte {
	return formatAnthropicEvent("content_block_delta", map[string]any{
		"type": "content_block_delta", "index": 0,
		"delta": map[string]any{"type": "text_delta", "text": text},
	})
}

func (s *anthropicStreamAdapter) FormatCompleteTextSSE(text string) []byte {
	var buf []byte
	buf = append(buf, formatAnthropicEvent("content_block_start", map[string]any{
		"type": "content_block_start", "index": 0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})...)
	buf = append(buf, s.FormatTextDeltaSSE(text)...)
	buf = append(buf, formatAnthropicEvent("content_block_stop", map[string]any{
		"type": "content_block_stop", "index": 0,
	})...)
	return buf
}

func (s *anthropicStreamAdapter) GetRawToolCallEvents() [][]byte { return s.acc.RawToolCallEvents }

func (s *anthropicStreamAdapter) FormatEndSSE() []byte {
	var buf []byte
	buf = append(buf, formatAnthropicEvent("message_delta", map[string]any{
		"type": "message_delta", "delta": map[string]any{"stop_reason": s.acc.StopReason},
	})...)
	buf = append(buf, formatAnthropicEvent("message_stop", map[string]any{"type": "message_stop"})...)
	return buf
}

func (s *anthropicStreamAdapter) FormatRefusalSSE(humanMessage string) []byte {
	var buf []byte
	buf = append(buf, s.FormatCompleteTextSSE(humanMessage)...)
	s.acc.StopReason = "end_turn"
	buf = append(buf, s.FormatEndSSE()...)
	return buf
}

func formatAnthropicEvent(name string, payload map[string]any) []byte {
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}
