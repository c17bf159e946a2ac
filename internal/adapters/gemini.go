package adapters

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Gemini adapter: REST contents[]/parts[] shape, functionCall/
// functionResponse parts, inline-data parts for image generation
// (spec §4.G "Translate REST↔SDK shapes... decode inline-data parts").

type geminiRequestAdapter struct {
	raw             []byte
	model           string
	stream          bool
	messages        []CommonMessage
	tools           []ToolDefinition
	toolResults     []ToolResult
	modelOverride   string
	resultOverrides map[string]string
}

func NewGeminiRequestAdapter(body []byte) (RequestAdapter, error) {
	a := &geminiRequestAdapter{raw: body, resultOverrides: map[string]string{}}
	a.model = gjson.GetBytes(body, "model").String()
	a.stream = gjson.GetBytes(body, "stream").Bool()

	gjson.GetBytes(body, "contents").ForEach(func(_, content gjson.Result) bool {
		role := content.Get("role").String()
		cm := CommonMessage{Role: role}
		content.Get("parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text").String(); t != "" {
				cm.Text += t
			}
			if fc := part.Get("functionCall"); fc.Exists() {
				var args any
				_ = json.Unmarshal([]byte(fc.Get("args").Raw), &args)
				cm.ToolCalls = append(cm.ToolCalls, CommonToolCall{Name: fc.Get("name").String(), Arguments: args})
			}
			if fr := part.Get("functionResponse"); fr.Exists() {
				name := fr.Get("name").String()
				tr := ToolResult{ID: name, Name: name, Content: fr.Get("response").Raw}
				cm.ToolResults = append(cm.ToolResults, tr)
				a.toolResults = append(a.toolResults, tr)
			}
			return true
		})
		a.messages = append(a.messages, cm)
		return true
	})

	gjson.GetBytes(body, "tools.0.functionDeclarations").ForEach(func(_, t gjson.Result) bool {
		var schema map[string]any
		_ = json.Unmarshal([]byte(t.Get("parameters").Raw), &schema)
		a.tools = append(a.tools, ToolDefinition{Name: t.Get("name").String(), Description: t.Get("description").String(), InputSchema: schema})
		return true
	})
	return a, nil
}

func (a *geminiRequestAdapter) Provider() Provider               { return ProviderGemini }
func (a *geminiRequestAdapter) Model() string                    { return a.model }
func (a *geminiRequestAdapter) IsStreaming() bool                { return a.stream }
func (a *geminiRequestAdapter) Messages() []CommonMessage        { return a.messages }
func (a *geminiRequestAdapter) ToolDefinitions() []ToolDefinition { return a.tools }
func (a *geminiRequestAdapter) ProposedToolResults() []ToolResult { return a.toolResults }
func (a *geminiRequestAdapter) RawMessages() []byte               { return []byte(gjson.GetBytes(a.raw, "contents").Raw) }

func (a *geminiRequestAdapter) SetModel(model string)            { a.modelOverride = model }
func (a *geminiRequestAdapter) UpdateToolResult(id, text string) { a.resultOverrides[id] = text }
func (a *geminiRequestAdapter) ApplyToolResultUpdates(m map[string]string) {
	for k, v := range m {
		a.resultOverrides[k] = v
	}
}

func (a *geminiRequestAdapter) ApplyToonCompression(toon ToonEncoder, tok Tokenizer) (ToonStats, error) {
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

func (a *geminiRequestAdapter) ToProviderRequest() ([]byte, error) {
	out := a.raw
	var err error
	if a.modelOverride != "" {
		out, err = sjson.SetBytes(out, "model", a.modelOverride)
		if err != nil {
			return nil, err
		}
	}
	if len(a.resultOverrides) > 0 {
		contents := gjson.GetBytes(out, "contents")
		for ci, content := range contents.Array() {
			for pi, part := range content.Get("parts").Array() {
				fr := part.Get("functionResponse")
				if !fr.Exists() {
					continue
				}
				name := fr.Get("name").String()
				if replacement, ok := a.resultOverrides[name]; ok {
					path := fmt.Sprintf("contents.%d.parts.%d.functionResponse.response", ci, pi)
					out, err = sjson.SetBytes(out, path, map[string]any{"content": replacement})
					if err != nil {
						return nil, err
					}
				}
			}
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// ResponseAdapter
// ---------------------------------------------------------------------------

type geminiResponseAdapter struct{ raw []byte }

func NewGeminiResponseAdapter(body []byte) (ResponseAdapter, error) {
	return &geminiResponseAdapter{raw: body}, nil
}

func (r *geminiResponseAdapter) Provider() Provider { return ProviderGemini }
func (r *geminiResponseAdapter) ID() string         { return gjson.GetBytes(r.raw, "responseId").String() }
func (r *geminiResponseAdapter) Model() string      { return gjson.GetBytes(r.raw, "modelVersion").String() }

func (r *geminiResponseAdapter) Text() string {
	var text string
	gjson.GetBytes(r.raw, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text += part.Get("text").String()
		return true
	})
	return text
}

func (r *geminiResponseAdapter) ToolCalls() []CommonToolCall {
	var calls []CommonToolCall
	gjson.GetBytes(r.raw, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if fc := part.Get("functionCall"); fc.Exists() {
			var args any
			_ = json.Unmarshal([]byte(fc.Get("args").Raw), &args)
			calls = append(calls, CommonToolCall{Name: fc.Get("name").String(), Arguments: args})
		}
		return true
	})
	return calls
}

func (r *geminiResponseAdapter) Usage() Usage {
	return Usage{
		InputTokens:  int(gjson.GetBytes(r.raw, "usageMetadata.promptTokenCount").Int()),
		OutputTokens: int(gjson.GetBytes(r.raw, "usageMetadata.candidatesTokenCount").Int()),
	}
}

func (r *geminiResponseAdapter) ToRefusalResponse(humanMessage string) ([]byte, error) {
	out, err := sjson.SetBytes(r.raw, "candidates.0.content.parts", []map[string]any{{"text": humanMessage}})
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "candidates.0.finishReason", "STOP")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// StreamAdapter
// ---------------------------------------------------------------------------

type geminiStreamAdapter struct {
	acc *StreamAccumulator
}

func NewGeminiStreamAdapter(model string) StreamAdapter {
	acc := NewStreamAccumulator()
	acc.Model = model
	return &geminiStreamAdapter{acc: acc}
}

func (s *geminiStreamAdapter) Provider() Provider             { return ProviderGemini }
func (s *geminiStreamAdapter) Accumulator() *StreamAccumulator { return s.acc }

func (s *geminiStreamAdapter) ProcessChunk(chunk []byte) ProcessedChunk {
	if s.acc.Timing.FirstChunk == nil {
		now := timeNow()
		s.acc.Timing.FirstChunk = &now
	}
	hasToolCall := false
	gjson.GetBytes(chunk, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		if part.Get("functionCall").Exists() {
			hasToolCall = true
		}
		// inlineData (image) parts pass through as-is; they are not tool
		// calls and leave hasToolCall untouched.
		if text := part.Get("text").String(); text != "" {
			s.acc.Text += text
		}
		return true
	})
	if hasToolCall {
		s.acc.RawToolCallEvents = append(s.acc.RawToolCallEvents, chunk)
		return ProcessedChunk{IsToolCallChunk: true}
	}

	finish := gjson.GetBytes(chunk, "candidates.0.finishReason").String()
	if usage := gjson.GetBytes(chunk, "usageMetadata"); usage.Exists() {
		s.acc.Usage = &Usage{
			InputTokens:  int(usage.Get("promptTokenCount").Int()),
			OutputTokens: int(usage.Get("candidatesTokenCount").Int()),
		}
	}
	if finish != "" {
		s.acc.StopReason = finish
		return ProcessedChunk{SSEData: chunk, IsFinal: true}
	}
	return ProcessedChunk{SSEData: chunk}
}

func (s *geminiStreamAdapter) GetSSEHeaders() map[string]string {
	return map[string]string{"Content-Type": "text/event-stream", "Cache-Control": "no-cache"}
}

func (s *geminiStreamAdapter) chunk(parts []map[string]any, finish string) []byte {
	payload := map[string]any{
		"candidates": []map[string]any{{"content": map[string]any{"role": "model", "parts": parts}, "finishReason": finish}},
	}
	data, _ := json.Marshal(payload)
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}

func (s *geminiStreamAdapter) FormatTextDeltaSSE(text string) []byte {
	return s.chunk([]map[string]any{{"text": text}}, "")
}

func (s *geminiStreamAdapter) FormatCompleteTextSSE(text string) []byte {
	return s.chunk([]map[string]any{{"text": text}}, "")
}

func (s *geminiStreamAdapter) GetRawToolCallEvents() [][]byte { return s.acc.RawToolCallEvents }

func (s *geminiStreamAdapter) FormatEndSSE() []byte {
	return s.chunk(nil, s.acc.StopReason)
}

func (s *geminiStreamAdapter) FormatRefusalSSE(humanMessage string) []byte {
	s.acc.StopReason = "STOP"
	return s.chunk([]map[string]any{{"text": humanMessage}}, "STOP")
}
