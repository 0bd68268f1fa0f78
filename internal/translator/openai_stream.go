package translator

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// OpenAIStream re-encodes upstream SSE chunks as OpenAI chat.completion.chunk
// payloads. Tool-call indices are assigned monotonically in emission order and
// a `<think>` span always closes before any content or tool delta follows it.
type OpenAIStream struct {
	t         *Translator
	model     string
	requestID string
	created   int64

	sentRole  bool
	toolIndex int
	thinkOpen bool
	sawTools  bool
	finished  bool
}

// NewOpenAIStream starts an encoder for one request.
func (t *Translator) NewOpenAIStream(model, requestID string) *OpenAIStream {
	return &OpenAIStream{t: t, model: model, requestID: requestID, created: time.Now().Unix()}
}

// Next translates one upstream SSE data payload into zero or more OpenAI
// chunk payloads (JSON, without the "data: " framing).
func (s *OpenAIStream) Next(chunk []byte) []string {
	if s.finished {
		return nil
	}
	result := unwrapResponse(chunk)
	candidate := result.Get("candidates.0")
	parts := candidate.Get("content.parts").Array()
	s.t.harvestSignatures(s.model, parts)

	var out []string
	for _, part := range parts {
		if fc := part.Get("functionCall"); fc.Exists() {
			out = append(out, s.closeThink()...)
			s.sawTools = true
			out = append(out, s.chunk(map[string]any{
				"tool_calls": []map[string]any{{
					"index": s.nextToolIndex(),
					"id":    toolCallID(fc),
					"type":  "function",
					"function": map[string]any{
						"name":      fc.Get("name").String(),
						"arguments": argsString(fc.Get("args")),
					},
				}},
			}, nil))
			continue
		}
		if inline := part.Get("inlineData"); inline.Exists() {
			out = append(out, s.closeThink()...)
			out = append(out, s.chunk(map[string]any{"content": inlineMarkdown(inline)}, nil))
			continue
		}
		text := part.Get("text")
		if !text.Exists() {
			continue
		}
		if part.Get("thought").Bool() {
			out = append(out, s.thoughtChunk(text.String())...)
		} else {
			out = append(out, s.closeThink()...)
			out = append(out, s.chunk(map[string]any{"content": text.String()}, nil))
		}
	}

	if fr := candidate.Get("finishReason"); fr.Exists() {
		out = append(out, s.closeThink()...)
		reason := openAIFinishReason(fr.String(), s.sawTools)
		out = append(out, s.chunk(map[string]any{}, &reason, withUsage(result.Get("usageMetadata"))))
		s.finished = true
	}
	return out
}

// Finish closes any open think span and emits a terminal stop chunk when the
// upstream never sent a finishReason.
func (s *OpenAIStream) Finish() []string {
	if s.finished {
		return nil
	}
	s.finished = true
	out := s.closeThink()
	reason := "stop"
	if s.sawTools {
		reason = "tool_calls"
	}
	return append(out, s.chunk(map[string]any{}, &reason))
}

func (s *OpenAIStream) thoughtChunk(text string) []string {
	switch s.t.cfg.OpenAIThinkingOutput {
	case "tags":
		return []string{s.chunk(map[string]any{"content": s.openThink() + text}, nil)}
	case "both":
		return []string{s.chunk(map[string]any{
			"content":           s.openThink() + text,
			"reasoning_content": text,
		}, nil)}
	default:
		return []string{s.chunk(map[string]any{"reasoning_content": text}, nil)}
	}
}

func (s *OpenAIStream) openThink() string {
	if s.thinkOpen {
		return ""
	}
	s.thinkOpen = true
	return "<think>"
}

func (s *OpenAIStream) closeThink() []string {
	if !s.thinkOpen {
		return nil
	}
	s.thinkOpen = false
	return []string{s.chunk(map[string]any{"content": "</think>"}, nil)}
}

func (s *OpenAIStream) nextToolIndex() int {
	i := s.toolIndex
	s.toolIndex++
	return i
}

type chunkOption func(map[string]any)

func withUsage(usage gjson.Result) chunkOption {
	return func(payload map[string]any) {
		if !usage.Exists() {
			return
		}
		prompt := usage.Get("promptTokenCount").Int()
		completion := usage.Get("candidatesTokenCount").Int()
		reasoning := usage.Get("thoughtsTokenCount").Int()
		payload["usage"] = map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completion + reasoning,
			"total_tokens":      prompt + completion + reasoning,
			"completion_tokens_details": map[string]any{
				"reasoning_tokens": reasoning,
			},
		}
	}
}

func (s *OpenAIStream) chunk(delta map[string]any, finish *string, opts ...chunkOption) string {
	if !s.sentRole {
		delta["role"] = "assistant"
		s.sentRole = true
	}
	choice := map[string]any{"index": 0, "delta": delta, "finish_reason": nil}
	if finish != nil {
		choice["finish_reason"] = *finish
	}
	payload := map[string]any{
		"id":      "chatcmpl-" + s.requestID,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{choice},
	}
	for _, opt := range opts {
		opt(payload)
	}
	b, _ := json.Marshal(payload)
	return string(b)
}
