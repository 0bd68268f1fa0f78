package translator

import (
	"encoding/json"

	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/upstream"
	"github.com/tidwall/gjson"
)

// GeminiToUpstream decodes a native generateContent body. The shape already
// matches the upstream wire, so this is a passthrough plus the house
// decorations: safety settings, thinking resolution and output defaults.
func (t *Translator) GeminiToUpstream(model string, raw []byte) (*upstream.Request, error) {
	req := &upstream.Request{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, apierr.New(400, "invalid_request", "invalid_request_error", "request body is not valid JSON")
	}
	if len(req.Contents) == 0 {
		return nil, apierr.New(400, "invalid_request", "invalid_request_error", "contents must be a non-empty array")
	}

	// The public API accepts snake_case aliases the struct tags miss.
	if req.SystemInstruction == nil {
		if si := gjson.GetBytes(raw, "system_instruction"); si.Exists() {
			var c upstream.Content
			if json.Unmarshal([]byte(si.Raw), &c) == nil {
				req.SystemInstruction = &c
			}
		}
	}
	if req.GenerationConfig == nil {
		if gcRaw := gjson.GetBytes(raw, "generation_config"); gcRaw.Exists() {
			var gc upstream.GenerationConfig
			if json.Unmarshal([]byte(gcRaw.Raw), &gc) == nil {
				req.GenerationConfig = &gc
			}
		}
	}

	if req.GenerationConfig == nil {
		req.GenerationConfig = &upstream.GenerationConfig{}
	}
	gc := req.GenerationConfig
	if gc.MaxOutputTokens <= 0 {
		gc.MaxOutputTokens = defaultMaxOutputTokens
	}
	if len(req.Tools) > 0 && t.cfg.MaxOutputTokensWithTools > gc.MaxOutputTokens {
		gc.MaxOutputTokens = t.cfg.MaxOutputTokensWithTools
	}

	explicitType := ""
	budget := 0
	if tc := gc.ThinkingConfig; tc != nil {
		budget = tc.ThinkingBudget
		if tc.IncludeThoughts {
			explicitType = "enabled"
		}
	}
	gc.ThinkingConfig = resolveThinking(model, thinkingWanted(model, explicitType, budget, ""), budget, "", &gc.MaxOutputTokens)

	req.SafetySettings = safetySettings(model)
	return req, nil
}
