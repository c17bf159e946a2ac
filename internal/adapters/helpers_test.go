package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// charCountTokenizer is a deterministic stand-in for internal/tokenizer:
// one "token" per rune, so tests can pick inputs whose encoded form is
// cheaply longer or shorter by construction.
type charCountTokenizer struct{}

func (charCountTokenizer) CountTokens(text string) int { return len([]rune(text)) }

func TestApplyToonToResults_SubstitutesOnlyWhenShorter(t *testing.T) {
	results := []ToolResult{
		{ID: "short-wins", Content: "aaaaaaaaaa"}, // encode() returns something shorter
		{ID: "long-loses", Content: "a"},          // encode() returns something longer
	}
	encode := func(content string) (string, bool) {
		switch content {
		case "aaaaaaaaaa":
			return "aa", true // 2 runes < 10
		case "a":
			return "aaaaa", true // 5 runes > 1
		}
		return "", false
	}

	stats, substitutions := applyToonToResults(results, map[string]string{}, charCountTokenizer{}, encode)

	assert.True(t, stats.HadToolResults)
	assert.Contains(t, substitutions, "short-wins")
	assert.NotContains(t, substitutions, "long-loses")
}

// TestApplyToonToResults_AggregateNeverExpands pins down the fix for the
// aggregate-expansion bug: when a result's TOON encoding is longer than its
// original, the aggregate must still carry the original token count for
// that result, never the larger encoded one, or spec §4.C property 4
// (tokensBefore >= tokensAfter) could be violated in the full-result sum.
func TestApplyToonToResults_AggregateNeverExpands(t *testing.T) {
	results := []ToolResult{
		{ID: "expands", Content: "a"}, // encodes to something 4x longer
	}
	encode := func(content string) (string, bool) {
		return "aaaa", true // 4 runes > 1 rune: not effective for this result
	}

	stats, substitutions := applyToonToResults(results, map[string]string{}, charCountTokenizer{}, encode)

	require.Empty(t, substitutions)
	assert.Equal(t, 1, stats.TokensBefore)
	assert.Equal(t, 1, stats.TokensAfter) // carries `before`, not the encoded 4
	assert.True(t, stats.TokensBefore >= stats.TokensAfter)
	assert.False(t, stats.WasEffective)
	assert.Equal(t, "not_effective", stats.SkipReason)
}

func TestApplyToonToResults_NoToolResultsSkipsWithReason(t *testing.T) {
	stats, substitutions := applyToonToResults(nil, map[string]string{}, charCountTokenizer{}, func(string) (string, bool) {
		return "", false
	})

	assert.False(t, stats.HadToolResults)
	assert.Equal(t, "no_tool_results", stats.SkipReason)
	assert.Nil(t, substitutions)
}

func TestApplyToonToResults_SkipsErrorResults(t *testing.T) {
	results := []ToolResult{{ID: "err", Content: "boom", IsError: true}}

	stats, _ := applyToonToResults(results, map[string]string{}, charCountTokenizer{}, func(string) (string, bool) {
		t.Fatal("encode should not be called for error results")
		return "", false
	})

	assert.False(t, stats.HadToolResults)
}

func TestApplyToonToResults_UsesOverrideContentWhenPresent(t *testing.T) {
	results := []ToolResult{{ID: "r1", Content: "original"}}
	overrides := map[string]string{"r1": "overridden"}
	var seen string
	encode := func(content string) (string, bool) {
		seen = content
		return content, true
	}

	applyToonToResults(results, overrides, charCountTokenizer{}, encode)

	assert.Equal(t, "overridden", seen)
}

func TestStripProviderPrefix(t *testing.T) {
	assert.Equal(t, "claude-3-5-sonnet", stripProviderPrefix("anthropic/claude-3-5-sonnet", "anthropic/"))
	assert.Equal(t, "gpt-4o", stripProviderPrefix("gpt-4o", "anthropic/"))
}

func TestIsOversizedBase64(t *testing.T) {
	small := make([]byte, 100) // tiny, decodes way under 100 KiB
	large := make([]byte, 200*1024)
	for i := range small {
		small[i] = 'A'
	}
	for i := range large {
		large[i] = 'A'
	}

	assert.False(t, isOversizedBase64(string(small)))
	assert.True(t, isOversizedBase64(string(large)))
	assert.False(t, isOversizedBase64(""))
}
