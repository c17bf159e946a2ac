package adapters

import "github.com/tidwall/gjson"

// Ollama shares the OpenAI Chat Completions wire shape for requests and
// streaming (messages[], tool_calls[], role:"tool"), so its
// RequestAdapter/StreamAdapter are the shared openAI-family types
// constructed with ProviderOllama. The one real divergence is usage
// accounting: Ollama reports prompt_eval_count/eval_count instead of
// OpenAI's prompt_tokens/completion_tokens, so its ResponseAdapter
// overrides Usage() only.

type ollamaResponseAdapter struct {
	openAIResponseAdapter
}

func NewOllamaResponseAdapter(body []byte) (ResponseAdapter, error) {
	return &ollamaResponseAdapter{openAIResponseAdapter{provider: ProviderOllama, raw: body}}, nil
}

func (r *ollamaResponseAdapter) Usage() Usage {
	return Usage{
		InputTokens:  int(gjson.GetBytes(r.raw, "prompt_eval_count").Int()),
		OutputTokens: int(gjson.GetBytes(r.raw, "eval_count").Int()),
	}
}
