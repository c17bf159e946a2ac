package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/compresr/context-gateway/internal/eventstream"
)

// Bedrock adapter family: the Converse / ConverseStream wire shape
// (https://docs.aws.amazon.com/bedrock/latest/APIReference/API_runtime_Converse.html).
// Unlike every other provider, Bedrock's model id travels in the URL path
// (ExtractModelFromPath), not the JSON body, and its streaming transport is
// binary AWS event-stream framing (internal/eventstream) rather than SSE
// text lines.

// ExtractModelFromPath pulls the modelId path segment out of a Bedrock
// invocation URL, e.g. "/model/amazon.nova-pro-v1%3A0/converse" ->
// "amazon.nova-pro-v1:0". Returns "" if the path doesn't match the
// "/model/{id}/..." shape.
func ExtractModelFromPath(path string) string {
	const prefix = "/model/"
	idx := strings.Index(path, prefix)
	if idx == -1 {
		return ""
	}
	rest := path[idx+len(prefix):]
	if slashIdx := strings.Index(rest, "/"); slashIdx != -1 {
		rest = rest[:slashIdx]
	}
	if rest == "" {
		return ""
	}
	rest = strings.ReplaceAll(rest, "%3A", ":")
	rest = strings.ReplaceAll(rest, "%3a", ":")
	return rest
}

// isNovaModel reports whether a Bedrock model id names an Amazon Nova
// model, the only family whose tool names are hyphen-encoded on the wire
// (spec §4.G, §8 property 8).
func isNovaModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "nova")
}

func encodeNovaToolName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// ---------------------------------------------------------------------------
// RequestAdapter
// ---------------------------------------------------------------------------

type bedrockRequestAdapter struct {
	raw             []byte
	model           string
	modelOverride   string
	isNova          bool
	messages        []CommonMessage
	tools           []ToolDefinition
	toolResults     []ToolResult
	resultOverrides map[string]string

	// nameDecode maps the wire (possibly underscore-encoded) tool name back
	// to the name the client originally declared, Nova only. Exposed so the
	// orchestrator can hand it to the matching Response/StreamAdapter.
	nameDecode map[string]string
}

// NewBedrockRequestAdapter parses a Converse request body. model is the
// modelId extracted from the URL path (ExtractModelFromPath) — Converse
// never carries it in the body.
func NewBedrockRequestAdapter(model string, body []byte) (RequestAdapter, error) {
	a := &bedrockRequestAdapter{
		raw:             body,
		model:           model,
		isNova:          isNovaModel(model),
		resultOverrides: map[string]string{},
		nameDecode:      map[string]string{},
	}

	gjson.GetBytes(body, "toolConfig.tools").ForEach(func(_, t gjson.Result) bool {
		spec := t.Get("toolSpec")
		name := spec.Get("name").String()
		var schema map[string]any
		_ = json.Unmarshal([]byte(spec.Get("inputSchema.json").Raw), &schema)
		a.tools = append(a.tools, ToolDefinition{
			Name: name, Description: spec.Get("description").String(), InputSchema: schema,
		})
		if a.isNova {
			a.nameDecode[encodeNovaToolName(name)] = name
		}
		return true
	})

	toolNames := map[string]string{}
	msgs := gjson.GetBytes(body, "messages")
	msgs.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == "assistant" {
			msg.Get("content").ForEach(func(_, block gjson.Result) bool {
				if tu := block.Get("toolUse"); tu.Exists() {
					toolNames[tu.Get("toolUseId").String()] = tu.Get("name").String()
				}
				return true
			})
		}
		return true
	})

	msgs.ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		cm := CommonMessage{Role: role, Text: extractBedrockText(msg.Get("content"))}
		if role == "assistant" {
			msg.Get("content").ForEach(func(_, block gjson.Result) bool {
				tu := block.Get("toolUse")
				if !tu.Exists() {
					return true
				}
				var args any
				_ = json.Unmarshal([]byte(tu.Get("input").Raw), &args)
				cm.ToolCalls = append(cm.ToolCalls, CommonToolCall{
					ID: tu.Get("toolUseId").String(), Name: tu.Get("name").String(), Arguments: args,
				})
				return true
			})
		}
		if role == "user" {
			msg.Get("content").ForEach(func(_, block gjson.Result) bool {
				tr := block.Get("toolResult")
				if !tr.Exists() {
					return true
				}
				id := tr.Get("toolUseId").String()
				res := ToolResult{
					ID:      id,
					Name:    toolNames[id],
					Content: extractBedrockToolResultText(tr),
					IsError: tr.Get("status").String() == "error",
				}
				cm.ToolResults = append(cm.ToolResults, res)
				a.toolResults = append(a.toolResults, res)
				return true
			})
		}
		a.messages = append(a.messages, cm)
		return true
	})

	return a, nil
}

func (a *bedrockRequestAdapter) Provider() Provider { return ProviderBedrock }

// Model returns the effective model: the override if one was set by a
// model-substitution stage, else the model extracted from the URL path.
// Bedrock dispatch happens by URL (not request body), so the orchestrator
// reads this to pick the outbound path rather than expecting
// ToProviderRequest to rewrite a body field.
func (a *bedrockRequestAdapter) Model() string {
	if a.modelOverride != "" {
		return a.modelOverride
	}
	return a.model
}

func (a *bedrockRequestAdapter) IsStreaming() bool                 { return false }
func (a *bedrockRequestAdapter) Messages() []CommonMessage         { return a.messages }
func (a *bedrockRequestAdapter) ToolDefinitions() []ToolDefinition { return a.tools }
func (a *bedrockRequestAdapter) ProposedToolResults() []ToolResult { return a.toolResults }
func (a *bedrockRequestAdapter) RawMessages() []byte {
	return []byte(gjson.GetBytes(a.raw, "messages").Raw)
}

func (a *bedrockRequestAdapter) SetModel(model string) { a.modelOverride = model }

func (a *bedrockRequestAdapter) UpdateToolResult(id, text string) {
	a.resultOverrides[id] = text
}

func (a *bedrockRequestAdapter) ApplyToolResultUpdates(overrides map[string]string) {
	for k, v := range overrides {
		a.resultOverrides[k] = v
	}
}

func (a *bedrockRequestAdapter) ApplyToonCompression(toon ToonEncoder, tok Tokenizer) (ToonStats, error) {
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

// NameDecodeMap returns the wire-name -> client-name mapping built while
// parsing the request (non-nil only for Nova models). The orchestrator
// passes this to NewBedrockResponseAdapter / NewBedrockStreamAdapter so
// tool names round-trip to the client exactly as declared (spec §8
// property 8, scenario S4).
func (a *bedrockRequestAdapter) NameDecodeMap() map[string]string { return a.nameDecode }

func (a *bedrockRequestAdapter) ToProviderRequest() ([]byte, error) {
	out := a.raw
	var err error
	if len(a.resultOverrides) > 0 {
		out, err = rewriteBedrockToolResults(out, a.resultOverrides)
		if err != nil {
			return nil, err
		}
	}
	if a.isNova {
		out, err = encodeNovaToolNamesInRequest(out)
		if err != nil {
			return nil, err
		}
	}
	out, err = stripOversizedImagesBedrock(out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func rewriteBedrockToolResults(body []byte, overrides map[string]string) ([]byte, error) {
	out := body
	msgs := gjson.GetBytes(body, "messages")
	for mi, msg := range msgs.Array() {
		if msg.Get("role").String() != "user" {
			continue
		}
		for bi, block := range msg.Get("content").Array() {
			tr := block.Get("toolResult")
			if !tr.Exists() {
				continue
			}
			id := tr.Get("toolUseId").String()
			replacement, ok := overrides[id]
			if !ok {
				continue
			}
			path := fmt.Sprintf("messages.%d.content.%d.toolResult.content.0.text", mi, bi)
			var err error
			out, err = sjson.SetBytes(out, path, replacement)
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// encodeNovaToolNamesInRequest rewrites every declared and referenced tool
// name by replacing hyphens with underscores, Nova models only (spec §4.G).
func encodeNovaToolNamesInRequest(body []byte) ([]byte, error) {
	out := body
	for ti, t := range gjson.GetBytes(body, "toolConfig.tools").Array() {
		name := t.Get("toolSpec.name").String()
		if !strings.Contains(name, "-") {
			continue
		}
		path := fmt.Sprintf("toolConfig.tools.%d.toolSpec.name", ti)
		var err error
		out, err = sjson.SetBytes(out, path, encodeNovaToolName(name))
		if err != nil {
			return nil, err
		}
	}
	msgs := gjson.GetBytes(out, "messages")
	for mi, msg := range msgs.Array() {
		for bi, block := range msg.Get("content").Array() {
			tu := block.Get("toolUse")
			if !tu.Exists() {
				continue
			}
			name := tu.Get("name").String()
			if !strings.Contains(name, "-") {
				continue
			}
			path := fmt.Sprintf("messages.%d.content.%d.toolUse.name", mi, bi)
			var err error
			out, err = sjson.SetBytes(out, path, encodeNovaToolName(name))
			if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// stripOversizedImagesBedrock replaces base64 image blocks whose decoded
// size exceeds 100 KiB with a placeholder text block (spec §4.G).
func stripOversizedImagesBedrock(body []byte) ([]byte, error) {
	out := body
	msgs := gjson.GetBytes(body, "messages")
	for mi, msg := range msgs.Array() {
		for bi, block := range msg.Get("content").Array() {
			img := block.Get("image")
			if !img.Exists() {
				continue
			}
			data := img.Get("source.bytes").String()
			if !isOversizedBase64(data) {
				continue
			}
			path := fmt.Sprintf("messages.%d.content.%d", mi, bi)
			placeholder := map[string]any{"text": imageOmittedPlaceholder}
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

func extractBedrockText(content gjson.Result) string {
	var text string
	content.ForEach(func(_, block gjson.Result) bool {
		if t := block.Get("text"); t.Exists() {
			text += t.String()
		}
		return true
	})
	return text
}

func extractBedrockToolResultText(toolResult gjson.Result) string {
	var text string
	toolResult.Get("content").ForEach(func(_, item gjson.Result) bool {
		if t := item.Get("text"); t.Exists() {
			text += t.String()
		}
		return true
	})
	return text
}

// ---------------------------------------------------------------------------
// ResponseAdapter
// ---------------------------------------------------------------------------

type bedrockResponseAdapter struct {
	raw        []byte
	nameDecode map[string]string
}

// NewBedrockResponseAdapter wraps a non-streaming Converse response.
// nameDecode is the map built by the matching request's
// bedrockRequestAdapter.NameDecodeMap (nil for non-Nova models, in which
// case tool names pass through unchanged).
func NewBedrockResponseAdapter(body []byte, nameDecode map[string]string) (ResponseAdapter, error) {
	return &bedrockResponseAdapter{raw: body, nameDecode: nameDecode}, nil
}

func (r *bedrockResponseAdapter) Provider() Provider { return ProviderBedrock }

// ID: Converse responses carry no in-body response id (it rides the
// x-amzn-RequestId HTTP header instead, outside the adapter's view).
func (r *bedrockResponseAdapter) ID() string    { return "" }
func (r *bedrockResponseAdapter) Model() string { return "" }

func (r *bedrockResponseAdapter) Text() string {
	return extractBedrockText(gjson.GetBytes(r.raw, "output.message.content"))
}

func (r *bedrockResponseAdapter) decodeToolName(name string) string {
	if decoded, ok := r.nameDecode[name]; ok {
		return decoded
	}
	return name
}

func (r *bedrockResponseAdapter) ToolCalls() []CommonToolCall {
	var calls []CommonToolCall
	gjson.GetBytes(r.raw, "output.message.content").ForEach(func(_, block gjson.Result) bool {
		tu := block.Get("toolUse")
		if !tu.Exists() {
			return true
		}
		var args any
		_ = json.Unmarshal([]byte(tu.Get("input").Raw), &args)
		calls = append(calls, CommonToolCall{
			ID: tu.Get("toolUseId").String(), Name: r.decodeToolName(tu.Get("name").String()), Arguments: args,
		})
		return true
	})
	return calls
}

func (r *bedrockResponseAdapter) Usage() Usage {
	return Usage{
		InputTokens:  int(gjson.GetBytes(r.raw, "usage.inputTokens").Int()),
		OutputTokens: int(gjson.GetBytes(r.raw, "usage.outputTokens").Int()),
	}
}

func (r *bedrockResponseAdapter) ToRefusalResponse(humanMessage string) ([]byte, error) {
	out := r.raw
	textBlock := map[string]any{"text": humanMessage}
	raw, _ := json.Marshal([]any{textBlock})
	out, err := sjson.SetRawBytes(out, "output.message.content", raw)
	if err != nil {
		return nil, err
	}
	out, err = sjson.SetBytes(out, "stopReason", "end_turn")
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// StreamAdapter
// ---------------------------------------------------------------------------

// WrapBedrockStreamEvent folds an event-stream frame's header event type and
// decoded JSON payload into the single-key envelope
// {"<eventType>": <payload>} that bedrockStreamAdapter.ProcessChunk expects.
// Converse's own event payloads don't self-describe their type (it lives in
// the frame's :event-type header, stripped by
// internal/eventstream.DecodeFrame) so the orchestrator reconstructs a
// self-describing chunk here, keeping every provider's StreamAdapter behind
// the same ProcessChunk([]byte) signature.
func WrapBedrockStreamEvent(eventType string, payload []byte) ([]byte, error) {
	return sjson.SetRawBytes([]byte("{}"), eventType, payload)
}

type bedrockStreamAdapter struct {
	acc         *StreamAccumulator
	toolIndices map[int]bool
	nameDecode  map[string]string
}

func NewBedrockStreamAdapter(model string, nameDecode map[string]string) StreamAdapter {
	acc := NewStreamAccumulator()
	acc.Model = model
	return &bedrockStreamAdapter{acc: acc, toolIndices: map[int]bool{}, nameDecode: nameDecode}
}

func (s *bedrockStreamAdapter) Provider() Provider              { return ProviderBedrock }
func (s *bedrockStreamAdapter) Accumulator() *StreamAccumulator { return s.acc }

func (s *bedrockStreamAdapter) decodeToolName(name string) string {
	if decoded, ok := s.nameDecode[name]; ok {
		return decoded
	}
	return name
}

// ProcessChunk dispatches on which single top-level key the envelope
// carries (messageStart/contentBlockStart/contentBlockDelta/
// contentBlockStop/messageStop/metadata — spec §4.G, §4.B).
func (s *bedrockStreamAdapter) ProcessChunk(chunk []byte) ProcessedChunk {
	parsed := gjson.ParseBytes(chunk)
	var eventType string
	var payload gjson.Result
	parsed.ForEach(func(key, value gjson.Result) bool {
		eventType = key.String()
		payload = value
		return false
	})

	switch eventType {
	case "messageStart":
		if s.acc.Timing.FirstChunk == nil {
			now := timeNow()
			s.acc.Timing.FirstChunk = &now
		}
		return ProcessedChunk{SSEData: s.reEncode(eventType, payload)}

	case "contentBlockStart":
		idx := int(payload.Get("contentBlockIndex").Int())
		tu := payload.Get("start.toolUse")
		if !tu.Exists() {
			return ProcessedChunk{SSEData: s.reEncode(eventType, payload)}
		}
		s.toolIndices[idx] = true
		decoded := s.decodeToolName(tu.Get("name").String())
		rewritten, _ := sjson.Set(payload.Raw, "start.toolUse.name", decoded)
		s.acc.RawToolCallEvents = append(s.acc.RawToolCallEvents, s.reEncode(eventType, gjson.Parse(rewritten)))
		return ProcessedChunk{IsToolCallChunk: true}

	case "contentBlockDelta":
		idx := int(payload.Get("contentBlockIndex").Int())
		if s.toolIndices[idx] {
			s.acc.RawToolCallEvents = append(s.acc.RawToolCallEvents, s.reEncode(eventType, payload))
			return ProcessedChunk{IsToolCallChunk: true}
		}
		if text := payload.Get("delta.text").String(); text != "" {
			s.acc.Text += text
		}
		return ProcessedChunk{SSEData: s.reEncode(eventType, payload)}

	case "contentBlockStop":
		idx := int(payload.Get("contentBlockIndex").Int())
		if s.toolIndices[idx] {
			s.acc.RawToolCallEvents = append(s.acc.RawToolCallEvents, s.reEncode(eventType, payload))
			return ProcessedChunk{IsToolCallChunk: true}
		}
		return ProcessedChunk{SSEData: s.reEncode(eventType, payload)}

	case "messageStop":
		// Buffered: spec §4.G/§6 requires messageStop and metadata to wait
		// until tool blocks are either emitted or replaced by policy.
		// FormatEndSSE rebuilds these from accumulator state once the
		// orchestrator is ready to flush, so nothing is forwarded here.
		// Not final: the metadata event (usage) follows messageStop.
		s.acc.StopReason = payload.Get("stopReason").String()
		return ProcessedChunk{}

	case "metadata":
		if u := payload.Get("usage"); u.Exists() {
			s.acc.Usage = &Usage{
				InputTokens:  int(u.Get("inputTokens").Int()),
				OutputTokens: int(u.Get("outputTokens").Int()),
			}
		}
		return ProcessedChunk{IsFinal: true}

	default:
		return ProcessedChunk{SSEData: s.reEncode(eventType, payload)}
	}
}

func (s *bedrockStreamAdapter) reEncode(eventType string, payload gjson.Result) []byte {
	frame, err := eventstream.EncodeFrame(eventType, json.RawMessage(payload.Raw))
	if err != nil {
		return nil
	}
	return frame
}

func (s *bedrockStreamAdapter) GetSSEHeaders() map[string]string {
	return map[string]string{"Content-Type": "application/vnd.amazon.eventstream"}
}

func (s *bedrockStreamAdapter) FormatTextDeltaSSE(text string) []byte {
	frame, _ := eventstream.EncodeFrame("contentBlockDelta", map[string]any{
		"contentBlockIndex": 0,
		"delta":             map[string]any{"text": text},
	})
	return frame
}

func (s *bedrockStreamAdapter) FormatCompleteTextSSE(text string) []byte {
	var buf []byte
	start, _ := eventstream.EncodeFrame("contentBlockStart", map[string]any{
		"contentBlockIndex": 0,
		"start":             map[string]any{},
	})
	buf = append(buf, start...)
	buf = append(buf, s.FormatTextDeltaSSE(text)...)
	stop, _ := eventstream.EncodeFrame("contentBlockStop", map[string]any{"contentBlockIndex": 0})
	buf = append(buf, stop...)
	return buf
}

func (s *bedrockStreamAdapter) GetRawToolCallEvents() [][]byte { return s.acc.RawToolCallEvents }

func (s *bedrockStreamAdapter) FormatEndSSE() []byte {
	var buf []byte
	stop, _ := eventstream.EncodeFrame("messageStop", map[string]any{"stopReason": s.acc.StopReason})
	buf = append(buf, stop...)
	usage := map[string]any{}
	if s.acc.Usage != nil {
		usage = map[string]any{"inputTokens": s.acc.Usage.InputTokens, "outputTokens": s.acc.Usage.OutputTokens}
	}
	meta, _ := eventstream.EncodeFrame("metadata", map[string]any{"usage": usage})
	buf = append(buf, meta...)
	return buf
}

func (s *bedrockStreamAdapter) FormatRefusalSSE(humanMessage string) []byte {
	var buf []byte
	buf = append(buf, s.FormatCompleteTextSSE(humanMessage)...)
	s.acc.StopReason = "end_turn"
	buf = append(buf, s.FormatEndSSE()...)
	return buf
}
