package translator

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ag2api-go/internal/models"
	"github.com/tidwall/gjson"
)

// unwrapResponse strips the v1internal {"response": ...} wrapper when
// present.
func unwrapResponse(raw []byte) gjson.Result {
	parsed := gjson.ParseBytes(raw)
	if resp := parsed.Get("response"); resp.Exists() {
		return resp
	}
	return parsed
}

// UpstreamToOpenAI converts a non-streaming upstream response into the OpenAI
// chat-completion shape. requestID becomes the completion id so attempt logs
// correlate with client traffic.
func (t *Translator) UpstreamToOpenAI(model, requestID string, raw []byte) ([]byte, error) {
	result := unwrapResponse(raw)
	candidate := result.Get("candidates.0")
	parts := candidate.Get("content.parts").Array()
	t.harvestSignatures(model, parts)

	var content strings.Builder
	var reasoning strings.Builder
	var toolCalls []map[string]any

	for _, part := range parts {
		if fc := part.Get("functionCall"); fc.Exists() {
			toolCalls = append(toolCalls, map[string]any{
				"id":   toolCallID(fc),
				"type": "function",
				"function": map[string]any{
					"name":      fc.Get("name").String(),
					"arguments": argsString(fc.Get("args")),
				},
			})
			continue
		}
		if inline := part.Get("inlineData"); inline.Exists() {
			content.WriteString(inlineMarkdown(inline))
			continue
		}
		if text := part.Get("text"); text.Exists() {
			if part.Get("thought").Bool() {
				reasoning.WriteString(text.String())
			} else {
				content.WriteString(text.String())
			}
		}
	}

	message := map[string]any{
		"role":    "assistant",
		"content": content.String(),
	}
	if reasoning.Len() > 0 {
		switch t.cfg.OpenAIThinkingOutput {
		case "tags":
			message["content"] = "<think>" + reasoning.String() + "</think>" + content.String()
		case "both":
			message["content"] = "<think>" + reasoning.String() + "</think>" + content.String()
			message["reasoning_content"] = reasoning.String()
		default:
			message["reasoning_content"] = reasoning.String()
		}
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	usage := result.Get("usageMetadata")
	promptTokens := usage.Get("promptTokenCount").Int()
	completionTokens := usage.Get("candidatesTokenCount").Int()
	reasoningTokens := usage.Get("thoughtsTokenCount").Int()

	response := map[string]any{
		"id":      "chatcmpl-" + requestID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": openAIFinishReason(candidate.Get("finishReason").String(), len(toolCalls) > 0),
		}},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens + reasoningTokens,
			"total_tokens":      promptTokens + completionTokens + reasoningTokens,
			"completion_tokens_details": map[string]any{
				"reasoning_tokens": reasoningTokens,
			},
		},
	}
	return json.Marshal(response)
}

// harvestSignatures stores thought signatures seen in a response so the next
// turn's replayed history validates upstream.
func (t *Translator) harvestSignatures(model string, parts []gjson.Result) {
	var pendingSig, pendingText string
	for _, part := range parts {
		if part.Get("thought").Bool() {
			if sig := part.Get("thoughtSignature"); sig.Exists() {
				pendingSig = sig.String()
				pendingText = part.Get("text").String()
			}
			continue
		}
		fc := part.Get("functionCall")
		if !fc.Exists() {
			continue
		}
		id := fc.Get("id").String()
		if id == "" {
			continue
		}
		if sig := part.Get("thoughtSignature"); sig.Exists() && sig.String() != "" {
			t.sigs.PutToolSignature(id, sig.String())
		}
		if models.IsClaude(model) && pendingSig != "" {
			t.sigs.PutClaudeThinking(id, pendingSig, pendingText)
			pendingSig, pendingText = "", ""
		}
	}
}

func toolCallID(fc gjson.Result) string {
	if id := fc.Get("id").String(); id != "" {
		return id
	}
	return fmt.Sprintf("call_%s_%d", fc.Get("name").String(), time.Now().UnixNano())
}

func argsString(args gjson.Result) string {
	if !args.Exists() {
		return "{}"
	}
	return args.Raw
}

func inlineMarkdown(inline gjson.Result) string {
	return fmt.Sprintf("![image](data:%s;base64,%s)",
		inline.Get("mimeType").String(), inline.Get("data").String())
}
