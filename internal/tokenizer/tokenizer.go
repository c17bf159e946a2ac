// Package tokenizer implements the tokenizer registry (spec §4.A): a
// per-provider-family token counter used by the TOON compressor (4.C) to
// decide whether a substitution actually shrinks a tool result, and by the
// orchestrator's cost-engine step (4.D) to count request tokens for
// optimization-rule matching. Pricing itself uses the provider's reported
// usage, not this counter.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/compresr/context-gateway/internal/adapters"
)

// encodingName is the single BPE encoding used for every provider family.
// Providers don't publish their own tokenizers over this API surface, so
// cl100k_base (GPT-4's encoding) stands in as the best available
// approximation across Anthropic/Gemini/Bedrock/Cohere/etc — exact counts
// only matter in relative terms here (before vs. after compression), not
// as an absolute ground truth against any one provider's own counter.
const encodingName = "cl100k_base"

// Registry lazily builds and caches the shared encoding, satisfying
// adapters.Tokenizer.
type Registry struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// New returns a Registry ready for use; the underlying encoding table is
// loaded lazily on first CountTokens call.
func New() *Registry {
	return &Registry{}
}

func (r *Registry) encoding() (*tiktoken.Tiktoken, error) {
	r.once.Do(func() {
		r.enc, r.err = tiktoken.GetEncoding(encodingName)
	})
	return r.enc, r.err
}

// CountTokens returns the BPE token count of text. On encoding load failure
// (the encoding's rank file could not be obtained or parsed) it falls
// back to a len(text)/4 estimate rather than panicking — callers use counts
// for relative before/after comparisons, so a degraded estimate on both
// sides of the comparison still degrades gracefully.
func (r *Registry) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	enc, err := r.encoding()
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

var _ adapters.Tokenizer = (*Registry)(nil)
