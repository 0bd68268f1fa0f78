package translator

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// StreamEvent is one named SSE event ready for "event:"/"data:" framing.
type StreamEvent struct {
	Type string
	Data string
}

// Claude stream block states.
const (
	blockNone = iota
	blockText
	blockThinking
	blockTool
)

// ClaudeStream re-encodes upstream SSE chunks as the Anthropic event taxonomy.
// Blocks never interleave: a state change closes the open block before the
// next one starts, and a thinking block flushes its signature_delta first.
type ClaudeStream struct {
	t         *Translator
	model     string
	requestID string

	started    bool
	finished   bool
	block      int
	blockIndex int
	pendingSig string
	hasToolUse bool
}

// NewClaudeStream starts an encoder for one request.
func (t *Translator) NewClaudeStream(model, requestID string) *ClaudeStream {
	return &ClaudeStream{t: t, model: model, requestID: requestID}
}

// Next translates one upstream SSE data payload into Anthropic events.
func (s *ClaudeStream) Next(chunk []byte) []StreamEvent {
	if s.finished {
		return nil
	}
	result := unwrapResponse(chunk)
	candidate := result.Get("candidates.0")
	parts := candidate.Get("content.parts").Array()
	s.t.harvestSignatures(s.model, parts)

	var out []StreamEvent
	if !s.started {
		s.started = true
		out = append(out, event("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            "msg_" + s.requestID,
				"type":          "message",
				"role":          "assistant",
				"model":         s.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	for _, part := range parts {
		if fc := part.Get("functionCall"); fc.Exists() {
			s.hasToolUse = true
			out = append(out, s.openBlock(blockTool, map[string]any{
				"type":  "tool_use",
				"id":    toolCallID(fc),
				"name":  fc.Get("name").String(),
				"input": map[string]any{},
			})...)
			out = append(out, s.delta(map[string]any{
				"type":         "input_json_delta",
				"partial_json": argsString(fc.Get("args")),
			}))
			continue
		}
		if inline := part.Get("inlineData"); inline.Exists() {
			out = append(out, s.openBlock(blockText, map[string]any{"type": "text", "text": ""})...)
			out = append(out, s.delta(map[string]any{
				"type": "text_delta",
				"text": inlineMarkdown(inline),
			}))
			continue
		}
		text := part.Get("text")
		if !text.Exists() {
			continue
		}
		if part.Get("thought").Bool() {
			out = append(out, s.openBlock(blockThinking, map[string]any{"type": "thinking", "thinking": ""})...)
			if sig := part.Get("thoughtSignature").String(); sig != "" {
				s.pendingSig = sig
			}
			out = append(out, s.delta(map[string]any{
				"type":     "thinking_delta",
				"thinking": text.String(),
			}))
		} else {
			out = append(out, s.openBlock(blockText, map[string]any{"type": "text", "text": ""})...)
			out = append(out, s.delta(map[string]any{
				"type": "text_delta",
				"text": text.String(),
			}))
		}
	}

	if fr := candidate.Get("finishReason"); fr.Exists() {
		out = append(out, s.terminate(fr.String(), result.Get("usageMetadata"))...)
	}
	return out
}

// Finish closes the stream when the upstream never sent a finishReason.
func (s *ClaudeStream) Finish() []StreamEvent {
	if s.finished || !s.started {
		s.finished = true
		return nil
	}
	return s.terminate("STOP", gjson.Result{})
}

func (s *ClaudeStream) terminate(finishReason string, usage gjson.Result) []StreamEvent {
	s.finished = true
	out := s.closeBlock()
	out = append(out, event("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   claudeStopReason(finishReason, s.hasToolUse),
			"stop_sequence": nil,
		},
		"usage": map[string]any{
			"input_tokens":  usage.Get("promptTokenCount").Int(),
			"output_tokens": usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int(),
		},
	}))
	out = append(out, event("message_stop", map[string]any{"type": "message_stop"}))
	return out
}

// openBlock switches to the wanted block kind, closing whatever is open.
// Tool blocks never extend across parts, so an open tool block always closes.
func (s *ClaudeStream) openBlock(kind int, contentBlock map[string]any) []StreamEvent {
	if s.block == kind && kind != blockTool {
		return nil
	}
	out := s.closeBlock()
	s.block = kind
	out = append(out, event("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": contentBlock,
	}))
	return out
}

func (s *ClaudeStream) closeBlock() []StreamEvent {
	if s.block == blockNone {
		return nil
	}
	var out []StreamEvent
	if s.block == blockThinking && s.pendingSig != "" {
		out = append(out, s.delta(map[string]any{
			"type":      "signature_delta",
			"signature": s.pendingSig,
		}))
		s.pendingSig = ""
	}
	out = append(out, event("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": s.blockIndex,
	}))
	s.block = blockNone
	s.blockIndex++
	return out
}

func (s *ClaudeStream) delta(d map[string]any) StreamEvent {
	return event("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": s.blockIndex,
		"delta": d,
	})
}

func event(name string, payload map[string]any) StreamEvent {
	b, _ := json.Marshal(payload)
	return StreamEvent{Type: name, Data: string(b)}
}
