package translator

import (
	"fmt"
	"strings"

	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/models"
	"ag2api-go/internal/sigcache"
	"ag2api-go/internal/upstream"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ClaudeToUpstream decodes an Anthropic messages body into the upstream
// request shape.
func (t *Translator) ClaudeToUpstream(model string, raw []byte) (*upstream.Request, error) {
	messages := gjson.GetBytes(raw, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, apierr.New(400, "invalid_request", "invalid_request_error", "messages must be a non-empty array")
	}

	req := &upstream.Request{}
	limiter := newToolOutputLimiter(t.cfg.ToolResultMaxChars, t.cfg.ToolResultTotalMaxChars, t.cfg.ToolResultTailChars)

	var systemParts []upstream.Part
	if system := gjson.GetBytes(raw, "system"); system.Exists() {
		systemParts = textPartsFromContent(system)
	}

	thinkType := gjson.GetBytes(raw, "thinking.type").String()
	thinkBudget := int(gjson.GetBytes(raw, "thinking.budget_tokens").Int())
	wantThinking := thinkingWanted(model, thinkType, thinkBudget, "")

	msgs := messages.Array()

	// A trailing text-only assistant message is a prefill. The upstream API
	// rejects assistant prefill when thinking is on, so it becomes a system
	// hint instead.
	if wantThinking && len(msgs) > 0 {
		if hint, ok := prefillHint(msgs[len(msgs)-1]); ok {
			systemParts = append(systemParts, upstream.Part{Text: hint})
			msgs = msgs[:len(msgs)-1]
		}
	}

	sigMiss := false
	for _, msg := range msgs {
		role := msg.Get("role").String()
		content := msg.Get("content")

		switch role {
		case "user":
			parts := t.claudeUserParts(model, content, limiter)
			if len(parts) > 0 {
				req.Contents = append(req.Contents, upstream.Content{Role: "user", Parts: parts})
			}
		case "assistant":
			c, missed := t.claudeAssistantTurn(model, content)
			if missed {
				sigMiss = true
			}
			if len(c.Parts) > 0 {
				req.Contents = append(req.Contents, c)
			}
		}
	}

	if len(systemParts) > 0 {
		req.SystemInstruction = &upstream.Content{Parts: systemParts}
	}

	req.Tools = claudeTools(raw)
	if choice := gjson.GetBytes(raw, "tool_choice"); choice.Exists() {
		req.ToolConfig = toolChoiceConfig(choice.Get("type").String(), choice.Get("name").String())
	}

	gc := &upstream.GenerationConfig{MaxOutputTokens: defaultMaxOutputTokens}
	if v := gjson.GetBytes(raw, "max_tokens"); v.Exists() {
		gc.MaxOutputTokens = int(v.Int())
	}
	if v := gjson.GetBytes(raw, "temperature"); v.Exists() {
		temp := v.Float()
		gc.Temperature = &temp
	}
	if v := gjson.GetBytes(raw, "top_p"); v.Exists() {
		p := v.Float()
		gc.TopP = &p
	}
	for _, s := range gjson.GetBytes(raw, "stop_sequences").Array() {
		gc.StopSequences = append(gc.StopSequences, s.String())
	}
	if len(req.Tools) > 0 && t.cfg.MaxOutputTokensWithTools > gc.MaxOutputTokens {
		gc.MaxOutputTokens = t.cfg.MaxOutputTokensWithTools
	}
	gc.ThinkingConfig = resolveThinking(model, wantThinking, thinkBudget, "", &gc.MaxOutputTokens)
	// Upstream rejects a thinking turn whose replayed tool calls carry no
	// signed thought, so the request runs without thinking instead.
	if sigMiss && gc.ThinkingConfig != nil {
		gc.ThinkingConfig = nil
		log.WithField("model", model).Warn("thinking disabled: replayed tool call has no stored thought signature")
	}
	req.GenerationConfig = gc

	req.SafetySettings = safetySettings(model)
	req.SessionID = gjson.GetBytes(raw, "metadata.user_id").String()
	return req, nil
}

// prefillHint recognizes a text-only assistant prefill and phrases it as a
// system instruction.
func prefillHint(msg gjson.Result) (string, bool) {
	if msg.Get("role").String() != "assistant" {
		return "", false
	}
	content := msg.Get("content")
	var text string
	if content.IsArray() {
		for _, block := range content.Array() {
			if block.Get("type").String() != "text" {
				return "", false
			}
			text += block.Get("text").String()
		}
	} else {
		text = content.String()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if text == "{" {
		return "Return only a single JSON object and start your response with '{'.", true
	}
	return fmt.Sprintf("Start your response with the following prefix exactly, then continue from there: %s", text), true
}

// claudeUserParts converts a user message. tool_result blocks merge into the
// same turn; their text is capped and images ride along as inlineData.
func (t *Translator) claudeUserParts(model string, content gjson.Result, limiter *toolOutputLimiter) []upstream.Part {
	if !content.IsArray() {
		if content.String() == "" {
			return nil
		}
		return []upstream.Part{{Text: content.String()}}
	}

	var parts []upstream.Part
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			parts = append(parts, upstream.Part{Text: block.Get("text").String()})
		case "image":
			if src := block.Get("source"); src.Get("type").String() == "base64" {
				parts = append(parts, upstream.Part{InlineData: &upstream.Blob{
					MimeType: src.Get("media_type").String(),
					Data:     src.Get("data").String(),
				}})
			}
		case "tool_result":
			parts = append(parts, t.claudeToolResult(model, block, limiter)...)
		}
	}
	return parts
}

func (t *Translator) claudeToolResult(model string, block gjson.Result, limiter *toolOutputLimiter) []upstream.Part {
	id := block.Get("tool_use_id").String()
	content := block.Get("content")

	var texts []string
	var images []upstream.Part
	if content.IsArray() {
		for _, p := range content.Array() {
			switch p.Get("type").String() {
			case "text":
				texts = append(texts, p.Get("text").String())
			case "image":
				if src := p.Get("source"); src.Get("type").String() == "base64" {
					images = append(images, upstream.Part{InlineData: &upstream.Blob{
						MimeType: src.Get("media_type").String(),
						Data:     src.Get("data").String(),
					}})
				}
			}
		}
	} else {
		texts = append(texts, content.String())
	}
	output := limiter.Apply(strings.Join(texts, "\n"))

	var parts []upstream.Part
	if id != "" && !toolIDMatchesFamily(id, model) {
		parts = append(parts, upstream.Part{Text: fmt.Sprintf("[tool returned: %s]", output)})
	} else {
		parts = append(parts, upstream.Part{FunctionResponse: &upstream.FunctionResponse{
			ID:       id,
			Response: map[string]any{"output": output},
		}})
	}
	return append(parts, images...)
}

// claudeAssistantTurn converts an assistant message, replaying thinking blocks
// and cached signatures ahead of tool calls. missed reports a same-family tool
// call that has neither an inline signed thinking block nor a cached one.
func (t *Translator) claudeAssistantTurn(model string, content gjson.Result) (c upstream.Content, missed bool) {
	c = upstream.Content{Role: "model"}
	if !content.IsArray() {
		if content.String() != "" {
			c.Parts = append(c.Parts, upstream.Part{Text: content.String()})
		}
		return c, false
	}

	emittedThinking := false
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			c.Parts = append(c.Parts, upstream.Part{Text: block.Get("text").String()})

		case "thinking":
			// Only signed thinking survives replay validation.
			sig := block.Get("signature").String()
			if !models.IsClaude(model) || sig == "" {
				continue
			}
			text := block.Get("thinking").String()
			if text == "" && t.cfg.ReplayEmptyThoughtText {
				text = " "
			}
			c.Parts = append(c.Parts, upstream.Part{Thought: true, Text: text, ThoughtSignature: sig})
			emittedThinking = true

		case "tool_use":
			id := block.Get("id").String()
			name := block.Get("name").String()
			input := block.Get("input")

			if id != "" && !toolIDMatchesFamily(id, model) {
				c.Parts = append(c.Parts, upstream.Part{
					Text: fmt.Sprintf("[called %s with arguments %s]", name, argsString(input)),
				})
				continue
			}

			if models.IsClaude(model) && !emittedThinking {
				if cached := t.sigs.GetClaudeThinking(id); cached != nil {
					text := cached.ThoughtText
					if text == "" && t.cfg.ReplayEmptyThoughtText {
						text = " "
					}
					c.Parts = append(c.Parts, upstream.Part{
						Thought:          true,
						Text:             text,
						ThoughtSignature: cached.Signature,
					})
				} else {
					missed = true
				}
				emittedThinking = true
			}

			part := upstream.Part{FunctionCall: &upstream.FunctionCall{
				ID:   id,
				Name: name,
				Args: normalizeArgs(argsString(input)),
			}}
			if !models.IsClaude(model) {
				sig := t.sigs.GetToolSignature(id)
				if sig == "" {
					sig = sigcache.SentinelSignature
				}
				part.ThoughtSignature = sig
			}
			c.Parts = append(c.Parts, part)
		}
	}
	return c, missed
}

func claudeTools(raw []byte) []upstream.Tool {
	tools := gjson.GetBytes(raw, "tools")
	if !tools.IsArray() {
		return nil
	}
	var decls []upstream.FunctionDeclaration
	for _, tool := range tools.Array() {
		name := tool.Get("name").String()
		if name == "" {
			continue
		}
		decl := upstream.FunctionDeclaration{
			Name:        name,
			Description: tool.Get("description").String(),
		}
		if schema := tool.Get("input_schema"); schema.Exists() {
			decl.Parameters = []byte(schema.Raw)
		}
		decls = append(decls, decl)
	}
	if len(decls) == 0 {
		return nil
	}
	return []upstream.Tool{{FunctionDeclarations: decls}}
}
