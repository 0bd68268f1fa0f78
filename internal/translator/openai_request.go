package translator

import (
	"encoding/json"
	"fmt"
	"strings"

	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/models"
	"ag2api-go/internal/sigcache"
	"ag2api-go/internal/upstream"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// OpenAIToUpstream decodes an OpenAI chat-completions body into the upstream
// request shape. model is the exposed model name; the mapped upstream model
// decides the thinking and safety treatment.
func (t *Translator) OpenAIToUpstream(model string, raw []byte) (*upstream.Request, error) {
	messages := gjson.GetBytes(raw, "messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, apierr.New(400, "invalid_request", "invalid_request_error", "messages must be a non-empty array")
	}

	req := &upstream.Request{}
	limiter := newToolOutputLimiter(t.cfg.ToolResultMaxChars, t.cfg.ToolResultTotalMaxChars, t.cfg.ToolResultTailChars)

	var systemParts []upstream.Part
	var pendingTool *upstream.Content
	sigMiss := false

	flushTool := func() {
		if pendingTool != nil {
			req.Contents = append(req.Contents, *pendingTool)
			pendingTool = nil
		}
	}

	for _, msg := range messages.Array() {
		role := msg.Get("role").String()
		content := msg.Get("content")

		if role != "tool" {
			flushTool()
		}

		switch role {
		case "system", "developer":
			systemParts = append(systemParts, textPartsFromContent(content)...)

		case "user":
			req.Contents = append(req.Contents, upstream.Content{
				Role:  "user",
				Parts: userPartsFromContent(content),
			})

		case "assistant":
			c, missed := t.assistantTurn(model, msg, content)
			if missed {
				sigMiss = true
			}
			if len(c.Parts) > 0 {
				req.Contents = append(req.Contents, c)
			}

		case "tool":
			// Consecutive tool messages merge into one user turn.
			if pendingTool == nil {
				pendingTool = &upstream.Content{Role: "user"}
			}
			t.appendToolResult(model, pendingTool, msg, limiter)
		}
	}
	flushTool()

	if len(systemParts) > 0 {
		req.SystemInstruction = &upstream.Content{Parts: systemParts}
	}

	req.Tools = openAITools(raw)
	if choice := gjson.GetBytes(raw, "tool_choice"); choice.Exists() {
		mode := choice.String()
		forced := ""
		if choice.IsObject() {
			mode = choice.Get("type").String()
			forced = choice.Get("function.name").String()
		}
		req.ToolConfig = toolChoiceConfig(mode, forced)
	}

	req.GenerationConfig = t.openAIGenerationConfig(model, raw, len(req.Tools) > 0)
	// Upstream rejects a thinking turn whose replayed tool calls carry no
	// signed thought, so the request runs without thinking instead.
	if sigMiss && req.GenerationConfig.ThinkingConfig != nil {
		req.GenerationConfig.ThinkingConfig = nil
		log.WithField("model", model).Warn("thinking disabled: replayed tool call has no stored thought signature")
	}
	req.SafetySettings = safetySettings(model)
	if user := gjson.GetBytes(raw, "user"); user.Exists() {
		req.SessionID = user.String()
	} else {
		req.SessionID = gjson.GetBytes(raw, "metadata.user_id").String()
	}
	return req, nil
}

// assistantTurn converts one assistant message, replaying cached thought
// signatures ahead of tool calls and degrading cross-family tool history to
// text. missed reports a same-family Claude tool call with no cached thinking.
func (t *Translator) assistantTurn(model string, msg, content gjson.Result) (c upstream.Content, missed bool) {
	c = upstream.Content{Role: "model"}

	if content.Exists() && content.Type != gjson.Null {
		if content.IsArray() {
			for _, p := range content.Array() {
				if p.Get("type").String() == "text" {
					c.Parts = append(c.Parts, upstream.Part{Text: p.Get("text").String()})
				}
			}
		} else if content.String() != "" {
			c.Parts = append(c.Parts, upstream.Part{Text: content.String()})
		}
	}

	toolCalls := msg.Get("tool_calls")
	if !toolCalls.IsArray() {
		return c, false
	}

	emittedThinking := false
	for _, tc := range toolCalls.Array() {
		if tc.Get("type").String() != "function" {
			continue
		}
		id := tc.Get("id").String()
		name := tc.Get("function.name").String()
		args := tc.Get("function.arguments").String()

		if id != "" && !toolIDMatchesFamily(id, model) {
			// History from another model family: its ids (and signatures)
			// will not validate upstream, so keep the information as text.
			c.Parts = append(c.Parts, upstream.Part{
				Text: fmt.Sprintf("[called %s with arguments %s]", name, args),
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
			Args: normalizeArgs(args),
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
	return c, missed
}

// appendToolResult merges one tool message into the pending user turn.
// Multimodal content is split: text joins into the functionResponse output,
// images ride along as inlineData parts.
func (t *Translator) appendToolResult(model string, turn *upstream.Content, msg gjson.Result, limiter *toolOutputLimiter) {
	id := msg.Get("tool_call_id").String()
	name := msg.Get("name").String()
	content := msg.Get("content")

	var texts []string
	var images []upstream.Part
	if content.IsArray() {
		for _, p := range content.Array() {
			switch p.Get("type").String() {
			case "text":
				texts = append(texts, p.Get("text").String())
			case "image_url":
				if mime, data, ok := parseDataURL(p.Get("image_url.url").String()); ok {
					images = append(images, upstream.Part{InlineData: &upstream.Blob{MimeType: mime, Data: data}})
				}
			}
		}
	} else {
		texts = append(texts, content.String())
	}
	output := limiter.Apply(strings.Join(texts, "\n"))

	if id != "" && !toolIDMatchesFamily(id, model) {
		prefix := "tool"
		if name != "" {
			prefix = name
		}
		turn.Parts = append(turn.Parts, upstream.Part{
			Text: fmt.Sprintf("[%s returned: %s]", prefix, output),
		})
	} else {
		turn.Parts = append(turn.Parts, upstream.Part{FunctionResponse: &upstream.FunctionResponse{
			ID:       id,
			Name:     name,
			Response: map[string]any{"output": output},
		}})
	}
	turn.Parts = append(turn.Parts, images...)
}

func (t *Translator) openAIGenerationConfig(model string, raw []byte, hasTools bool) *upstream.GenerationConfig {
	gc := &upstream.GenerationConfig{}

	temp := 1.0
	if v := gjson.GetBytes(raw, "temperature"); v.Exists() {
		temp = v.Float()
	}
	gc.Temperature = &temp
	if v := gjson.GetBytes(raw, "top_p"); v.Exists() {
		p := v.Float()
		gc.TopP = &p
	}

	gc.MaxOutputTokens = defaultMaxOutputTokens
	if v := gjson.GetBytes(raw, "max_tokens"); v.Exists() {
		gc.MaxOutputTokens = int(v.Int())
	}
	if v := gjson.GetBytes(raw, "max_completion_tokens"); v.Exists() {
		gc.MaxOutputTokens = int(v.Int())
	}
	if hasTools && t.cfg.MaxOutputTokensWithTools > gc.MaxOutputTokens {
		gc.MaxOutputTokens = t.cfg.MaxOutputTokensWithTools
	}

	if stop := gjson.GetBytes(raw, "stop"); stop.Exists() {
		if stop.IsArray() {
			for _, s := range stop.Array() {
				gc.StopSequences = append(gc.StopSequences, s.String())
			}
		} else if stop.String() != "" {
			gc.StopSequences = []string{stop.String()}
		}
	}

	effort := gjson.GetBytes(raw, "reasoning_effort").String()
	wanted := thinkingWanted(model, "", 0, effort)
	gc.ThinkingConfig = resolveThinking(model, wanted, 0, effort, &gc.MaxOutputTokens)
	return gc
}

func openAITools(raw []byte) []upstream.Tool {
	tools := gjson.GetBytes(raw, "tools")
	if !tools.IsArray() {
		return nil
	}
	var decls []upstream.FunctionDeclaration
	for _, tool := range tools.Array() {
		if tool.Get("type").String() != "function" {
			continue
		}
		fn := tool.Get("function")
		decl := upstream.FunctionDeclaration{
			Name:        fn.Get("name").String(),
			Description: fn.Get("description").String(),
		}
		if params := fn.Get("parameters"); params.Exists() {
			decl.Parameters = json.RawMessage(params.Raw)
		}
		decls = append(decls, decl)
	}
	if len(decls) == 0 {
		return nil
	}
	return []upstream.Tool{{FunctionDeclarations: decls}}
}

// textPartsFromContent flattens a system message (string or part array) into
// text parts.
func textPartsFromContent(content gjson.Result) []upstream.Part {
	if content.IsArray() {
		var parts []upstream.Part
		for _, p := range content.Array() {
			if p.Get("type").String() == "text" {
				parts = append(parts, upstream.Part{Text: p.Get("text").String()})
			}
		}
		return parts
	}
	if content.String() == "" {
		return nil
	}
	return []upstream.Part{{Text: content.String()}}
}

// userPartsFromContent converts a user message, turning data-URL images into
// inlineData.
func userPartsFromContent(content gjson.Result) []upstream.Part {
	if !content.IsArray() {
		return []upstream.Part{{Text: content.String()}}
	}
	var parts []upstream.Part
	for _, p := range content.Array() {
		switch p.Get("type").String() {
		case "text":
			parts = append(parts, upstream.Part{Text: p.Get("text").String()})
		case "image_url":
			url := p.Get("image_url.url").String()
			if mime, data, ok := parseDataURL(url); ok {
				parts = append(parts, upstream.Part{InlineData: &upstream.Blob{MimeType: mime, Data: data}})
			} else {
				parts = append(parts, upstream.Part{Text: url})
			}
		}
	}
	if len(parts) == 0 {
		parts = []upstream.Part{{Text: ""}}
	}
	return parts
}

// normalizeArgs parses the OpenAI stringified arguments into raw JSON,
// falling back to an empty object.
func normalizeArgs(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(trimmed)
	return json.RawMessage(`{"value":` + string(quoted) + `}`)
}
