package translator

import (
	"encoding/json"
)

// UpstreamToClaude converts a non-streaming upstream response into the
// Anthropic messages shape.
func (t *Translator) UpstreamToClaude(model, requestID string, raw []byte) ([]byte, error) {
	result := unwrapResponse(raw)
	candidate := result.Get("candidates.0")
	parts := candidate.Get("content.parts").Array()
	t.harvestSignatures(model, parts)

	var blocks []map[string]any
	hasToolUse := false

	for _, part := range parts {
		if fc := part.Get("functionCall"); fc.Exists() {
			hasToolUse = true
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"id":    toolCallID(fc),
				"name":  fc.Get("name").String(),
				"input": json.RawMessage(argsString(fc.Get("args"))),
			})
			continue
		}
		if inline := part.Get("inlineData"); inline.Exists() {
			blocks = append(blocks, map[string]any{
				"type": "text",
				"text": inlineMarkdown(inline),
			})
			continue
		}
		text := part.Get("text")
		if !text.Exists() {
			continue
		}
		if part.Get("thought").Bool() {
			blocks = append(blocks, map[string]any{
				"type":      "thinking",
				"thinking":  text.String(),
				"signature": part.Get("thoughtSignature").String(),
			})
		} else {
			blocks = append(blocks, map[string]any{
				"type": "text",
				"text": text.String(),
			})
		}
	}
	if blocks == nil {
		blocks = []map[string]any{}
	}

	usage := result.Get("usageMetadata")
	response := map[string]any{
		"id":            "msg_" + requestID,
		"type":          "message",
		"role":          "assistant",
		"model":         model,
		"content":       blocks,
		"stop_reason":   claudeStopReason(candidate.Get("finishReason").String(), hasToolUse),
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  usage.Get("promptTokenCount").Int(),
			"output_tokens": usage.Get("candidatesTokenCount").Int() + usage.Get("thoughtsTokenCount").Int(),
		},
	}
	return json.Marshal(response)
}
