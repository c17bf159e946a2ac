package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/compresr/context-gateway/internal/adapters"
	"github.com/compresr/context-gateway/internal/eventstream"
	"github.com/compresr/context-gateway/internal/gwerrors"
	"github.com/compresr/context-gateway/internal/toolpolicy"
)

// dispatchBuffered handles the non-streaming half of spec §4.H step 12:
// await the full response, run tool-invocation policy, rewrite on refusal,
// then send.
func (p *Pipeline) dispatchBuffered(rec *InteractionRecord, factory adapters.Factory, reqAdapter adapters.RequestAdapter, body io.Reader, provider adapters.Provider, model string, policyInput toolpolicy.Input, w http.ResponseWriter, state *gwerrors.HeaderState) (*InteractionRecord, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return rec, gwerrors.Upstream(0, "reading upstream response failed", err)
	}

	respAdapter, err := newResponseAdapter(provider, factory, reqAdapter, raw)
	if err != nil {
		return rec, gwerrors.Internal(err)
	}

	out := raw
	if refusal := toolpolicy.Evaluate(respAdapter.ToolCalls(), policyInput); refusal != nil {
		refused, err := respAdapter.ToRefusalResponse(refusal.HumanMessage)
		if err != nil {
			return rec, gwerrors.Internal(err)
		}
		out = refused
		rec.Refused = true
		rec.MachineReason = refusal.MachineReason
		rec.BlockedTools = len(respAdapter.ToolCalls())
	}

	usage := respAdapter.Usage()
	rec.InputTokens, rec.OutputTokens = usage.InputTokens, usage.OutputTokens
	rec.Response = out
	if p.Cost != nil {
		if c, ok, err := p.Cost.Calculate(context.Background(), provider, model, &usage); err == nil && ok {
			rec.Cost = c
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	state.MarkCommitted()
	_, _ = w.Write(out)
	return rec, nil
}

// dispatchStreaming handles the streaming half of spec §4.H step 12:
// iterate upstream chunks, stream text immediately (committing headers on
// first write), accumulate tool calls, run the tool-invocation policy once
// the loop ends, then either synthesize a refusal or replay the buffered
// tool-call events and final framing. The interaction record is always
// returned with whatever accumulator state exists, even on early
// termination (spec "Final record always written").
func (p *Pipeline) dispatchStreaming(ctx context.Context, w http.ResponseWriter, state *gwerrors.HeaderState, rec *InteractionRecord, factory adapters.Factory, streamAdapter adapters.StreamAdapter, body io.Reader, policyInput toolpolicy.Input) (*InteractionRecord, error) {
	provider := streamAdapter.Provider()

	readErr := iterateChunks(provider, body, func(chunk []byte) bool {
		processed := streamAdapter.ProcessChunk(chunk)
		if processed.Err != nil {
			log.Warn().Err(processed.Err).Msg("orchestrator: chunk processing error")
			return true
		}
		if len(processed.SSEData) > 0 && !processed.IsToolCallChunk {
			writeAndCommit(w, state, processed.SSEData)
		}
		return !processed.IsFinal
	})

	acc := streamAdapter.Accumulator()
	rec.Model = acc.Model
	rec.Response = []byte(acc.Text)
	if acc.Usage != nil {
		rec.InputTokens, rec.OutputTokens = acc.Usage.InputTokens, acc.Usage.OutputTokens
		if p.Cost != nil {
			if c, ok, err := p.Cost.Calculate(ctx, provider, rec.Model, acc.Usage); err == nil && ok {
				rec.Cost = c
			}
		}
	}

	if readErr != nil {
		return rec, gwerrors.StreamInterrupted(readErr)
	}

	if refusal := toolpolicy.Evaluate(acc.ToolCalls, policyInput); refusal != nil {
		rec.Refused = true
		rec.MachineReason = refusal.MachineReason
		rec.BlockedTools = len(acc.ToolCalls)
		writeAndCommit(w, state, streamAdapter.FormatRefusalSSE(refusal.HumanMessage))
		return rec, nil
	}

	for _, ev := range streamAdapter.GetRawToolCallEvents() {
		writeAndCommit(w, state, ev)
	}
	writeAndCommit(w, state, streamAdapter.FormatEndSSE())
	return rec, nil
}

// iterateChunks reads upstream chunks off body in the provider's own
// framing (binary event-stream frames for Bedrock, SSE "data:" lines for
// everyone else) and calls onChunk with each payload in order. onChunk
// returns false to stop early (the adapter signaled IsFinal). It returns a
// non-nil error only for an unexpected read failure — a clean EOF or an
// onChunk-requested stop are not errors.
func iterateChunks(provider adapters.Provider, body io.Reader, onChunk func(chunk []byte) bool) error {
	if provider == adapters.ProviderBedrock {
		dec := eventstream.NewStreamDecoder(body)
		for {
			eventType, payload, err := dec.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			wrapped, err := adapters.WrapBedrockStreamEvent(eventType, payload)
			if err != nil {
				return err
			}
			if !onChunk(wrapped) {
				return nil
			}
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()
			if payload == "[DONE]" {
				return nil
			}
			if !onChunk([]byte(payload)) {
				return nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}
