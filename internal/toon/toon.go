// Package toon implements the tool-result compressor (spec §4.C): it
// unwraps the common client-side text wrapping around a tool result,
// parses the JSON payload, re-encodes it as TOON (Token-Oriented Object
// Notation — a compact, indentation-and-table based text form for JSON
// that drops repeated punctuation and quoting). Whether the TOON form is
// actually shorter in tokens is decided by internal/adapters, which compares
// token counts and performs the substitution; this package only encodes.
//
// DESIGN: no TOON library exists anywhere in the example corpus (grep
// across every go.mod in the pack turns up nothing), so the encoder below
// is hand-written against the format's own grammar rather than adapted
// from a pack dependency. JSON parsing still goes through the standard
// library's encoding/json, which is the right tool for "decode into a
// generic tree" and is already how the teacher treats ad hoc payloads it
// doesn't have a fixed struct for (internal/config, internal/store).
package toon

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Encoder turns a JSON byte string into its TOON text form.
type Encoder struct{}

// New returns a ready-to-use Encoder. TOON encoding is stateless.
func New() *Encoder { return &Encoder{} }

// Encode unwraps the common client-side text wrapping
// (`[{"type":"text","text":"<json>"}]`, spec §4.C step 1), parses the
// result as JSON, and serializes it as TOON. ok is false if the unwrapped
// value does not parse as JSON (spec §4.C step 2: "on failure, leave
// unchanged").
func (e *Encoder) Encode(jsonValue []byte) ([]byte, bool) {
	payload := unwrapTextBlocks(jsonValue)

	var v any
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	var b strings.Builder
	writeValue(&b, "", v, 0)
	return []byte(strings.TrimRight(b.String(), "\n")), true
}

// unwrapTextBlocks strips the MCP-style text-block wrapping clients send
// tool results in — a JSON array of a single {"type":"text","text":"..."}
// object — returning the inner text. Any other shape passes through
// unchanged (it's either already bare JSON or not JSON at all, both of
// which Encode's own parse step handles next).
func unwrapTextBlocks(raw []byte) []byte {
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return raw
	}
	if len(blocks) != 1 || blocks[0].Type != "text" {
		return raw
	}
	return []byte(blocks[0].Text)
}

func indent(b *strings.Builder, depth int) {
	for i := 0; i < depth; i++ {
		b.WriteString("  ")
	}
}

// writeValue renders v at the given key (""  at the document root) and
// indent depth, one TOON construct at a time: scalar, object block, or
// array (tabular when the array holds uniform flat objects, inline when
// it holds scalars, list-style otherwise).
func writeValue(b *strings.Builder, key string, v any, depth int) {
	switch val := v.(type) {
	case map[string]any:
		writeObject(b, key, val, depth)
	case []any:
		writeArray(b, key, val, depth)
	default:
		indent(b, depth)
		if key != "" {
			b.WriteString(key)
			b.WriteString(": ")
		}
		b.WriteString(scalarToken(val))
		b.WriteString("\n")
	}
}

func writeObject(b *strings.Builder, key string, obj map[string]any, depth int) {
	if key != "" {
		indent(b, depth)
		b.WriteString(key)
		b.WriteString(":\n")
		depth++
	}
	for _, k := range sortedKeys(obj) {
		writeValue(b, k, obj[k], depth)
	}
}

func writeArray(b *strings.Builder, key string, arr []any, depth int) {
	if len(arr) == 0 {
		indent(b, depth)
		if key != "" {
			b.WriteString(key)
			b.WriteString("[0]: \n")
		} else {
			b.WriteString("[0]:\n")
		}
		return
	}

	if fields, ok := uniformObjectFields(arr); ok {
		indent(b, depth)
		if key != "" {
			b.WriteString(key)
		}
		fmt.Fprintf(b, "[%d]{%s}:\n", len(arr), strings.Join(fields, ","))
		for _, item := range arr {
			row := item.(map[string]any)
			cells := make([]string, len(fields))
			for i, f := range fields {
				cells[i] = scalarToken(row[f])
			}
			indent(b, depth+1)
			b.WriteString(strings.Join(cells, ","))
			b.WriteString("\n")
		}
		return
	}

	if allScalar(arr) {
		indent(b, depth)
		if key != "" {
			b.WriteString(key)
		}
		cells := make([]string, len(arr))
		for i, item := range arr {
			cells[i] = scalarToken(item)
		}
		fmt.Fprintf(b, "[%d]: %s\n", len(arr), strings.Join(cells, ","))
		return
	}

	// Mixed/nested array: fall back to a "- " list, one recursively
	// rendered item per entry.
	indent(b, depth)
	if key != "" {
		b.WriteString(key)
		b.WriteString(":\n")
		depth++
	}
	for _, item := range arr {
		indent(b, depth)
		b.WriteString("- ")
		var item1 strings.Builder
		writeValue(&item1, "", item, 0)
		b.WriteString(strings.TrimLeft(item1.String(), " "))
	}
}

// uniformObjectFields reports whether every element of arr is a flat
// (scalar-valued) object sharing the same key set, and if so returns that
// key set in a stable order — the shape TOON's tabular form requires.
func uniformObjectFields(arr []any) ([]string, bool) {
	first, ok := arr[0].(map[string]any)
	if !ok {
		return nil, false
	}
	fields := sortedKeys(first)
	for _, v := range first {
		if !isScalar(v) {
			return nil, false
		}
	}
	for _, item := range arr[1:] {
		obj, ok := item.(map[string]any)
		if !ok || len(obj) != len(fields) {
			return nil, false
		}
		for _, f := range fields {
			v, present := obj[f]
			if !present || !isScalar(v) {
				return nil, false
			}
		}
	}
	return fields, true
}

func allScalar(arr []any) bool {
	for _, v := range arr {
		if !isScalar(v) {
			return false
		}
	}
	return true
}

func isScalar(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	default:
		return true
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scalarToken renders a scalar as its TOON cell text: bare for numbers,
// booleans and null; strings are quoted only when TOON would otherwise
// misparse them: empty, leading/trailing whitespace, or containing a comma,
// colon, newline, brace or bracket (see needsQuote).
func scalarToken(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case string:
		if needsQuote(val) {
			quoted, _ := json.Marshal(val)
			return string(quoted)
		}
		return val
	default:
		raw, _ := json.Marshal(val)
		return string(raw)
	}
}

func needsQuote(s string) bool {
	if s == "" {
		return true
	}
	if strings.TrimSpace(s) != s {
		return true
	}
	return strings.ContainsAny(s, ",:\n{}[]")
}
