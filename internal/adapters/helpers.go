package adapters

import (
	"strings"
	"time"
)

// imageOmittedPlaceholder is the literal text substituted for images whose
// base64 payload decodes to more than 100 KiB (spec §4.G).
const imageOmittedPlaceholder = "[Image omitted due to size]"

const maxImageBytes = 100 * 1024

// isOversizedBase64 reports whether a base64 string decodes to more than
// 100 KiB, using the 3/4 ratio the spec names directly rather than
// decoding (cheaper, and exact enough for a size gate).
func isOversizedBase64(b64 string) bool {
	if b64 == "" {
		return false
	}
	decodedLen := (len(b64) * 3) / 4
	return decodedLen > maxImageBytes
}

// stripProviderPrefix removes a "provider/" prefix from a model name if
// present (e.g. "anthropic/claude-3-5-sonnet" -> "claude-3-5-sonnet").
func stripProviderPrefix(model, prefix string) string {
	if strings.HasPrefix(model, prefix) {
		return strings.TrimPrefix(model, prefix)
	}
	return model
}

// timeNow exists so accumulator timestamps go through one call site.
func timeNow() time.Time { return time.Now() }

// applyToonToResults is the shared TOON-substitution driver used by every
// provider's RequestAdapter.ApplyToonCompression (spec §4.C). results is
// the adapter's parsed tool-result list; overrides is its current
// resultOverrides map (so TOON operates on data already sanitized by the
// trusted-data evaluator, per the §3.5 component ordering C-after-E).
// Returns aggregate stats plus the set of ids where TOON substitution
// should be written into overrides (effective ones only — spec §4.C step 4,
// property 4: "substituted iff tokensAfter < tokensBefore").
func applyToonToResults(
	results []ToolResult,
	overrides map[string]string,
	tok Tokenizer,
	encode func(content string) (toon string, ok bool),
) (ToonStats, map[string]string) {
	stats := ToonStats{}
	substitutions := map[string]string{}
	for _, tr := range results {
		if tr.IsError {
			continue
		}
		content := tr.Content
		if ov, ok := overrides[tr.ID]; ok {
			content = ov
		}
		if content == "" {
			continue
		}
		stats.HadToolResults = true
		before := tok.CountTokens(content)
		toon, parsed := encode(content)
		if !parsed {
			stats.TokensBefore += before
			stats.TokensAfter += before
			continue
		}
		after := tok.CountTokens(toon)
		stats.TokensBefore += before
		if after < before {
			stats.TokensAfter += after
			substitutions[tr.ID] = toon
		} else {
			// Not substituted: the result keeps its original content, so the
			// aggregate must carry `before`, not the (larger) encoded size —
			// otherwise tokensAfter could exceed tokensBefore in aggregate.
			stats.TokensAfter += before
		}
	}
	if !stats.HadToolResults {
		stats.SkipReason = "no_tool_results"
		return stats, nil
	}
	stats.WasEffective = stats.TokensAfter < stats.TokensBefore
	if !stats.WasEffective {
		stats.SkipReason = "not_effective"
	}
	return stats, substitutions
}
