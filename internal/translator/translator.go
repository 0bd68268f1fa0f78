package translator

import (
	"strings"

	"ag2api-go/internal/config"
	"ag2api-go/internal/models"
	"ag2api-go/internal/sigcache"
	"ag2api-go/internal/upstream"
)

// Translator converts the three downstream dialects to and from the upstream
// wire shape. It is stateless apart from the shared signature cache.
type Translator struct {
	cfg  *config.Config
	sigs *sigcache.Cache
}

// New builds a translator.
func New(cfg *config.Config, sigs *sigcache.Cache) *Translator {
	return &Translator{cfg: cfg, sigs: sigs}
}

// effortBudgets maps OpenAI reasoning_effort levels to thinking budgets.
var effortBudgets = map[string]int{
	"minimal": 1024,
	"low":     2048,
	"medium":  4096,
	"high":    8192,
	"max":     16384,
}

const (
	defaultMaxOutputTokens = 8192
	claudeMinThinkBudget   = 1024
	defaultThinkBudget     = 8192
)

// thinkingWanted reports whether a request opts into reasoning output:
// thinking-set model, explicit enable, explicit budget, or an effort level.
func thinkingWanted(model, explicitType string, budget int, effort string) bool {
	if models.SupportsThinking(model) {
		return true
	}
	if explicitType == "enabled" || explicitType == "adaptive" {
		return true
	}
	if budget > 0 {
		return true
	}
	_, known := effortBudgets[effort]
	return known
}

// resolveThinking settles the effective thinking config for a request. Claude
// models need budget >= 1024 and maxOutputTokens strictly above the budget.
func resolveThinking(model string, wanted bool, budget int, effort string, maxOutput *int) *upstream.ThinkingConfig {
	if !wanted {
		return nil
	}
	if budget <= 0 {
		if b, ok := effortBudgets[effort]; ok {
			budget = b
		} else {
			budget = defaultThinkBudget
		}
	}
	if models.IsClaude(model) {
		if budget < claudeMinThinkBudget {
			budget = claudeMinThinkBudget
		}
		if *maxOutput <= budget {
			*maxOutput = budget * 2
		}
	}
	return &upstream.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
}

// toolChoiceConfig maps a dialect tool-choice mode plus optional forced
// function name onto the upstream config.
func toolChoiceConfig(mode, forcedName string) *upstream.ToolConfig {
	var fcc upstream.FunctionCallingConfig
	switch mode {
	case "none":
		fcc.Mode = "NONE"
	case "auto", "":
		fcc.Mode = "AUTO"
	case "any", "required":
		fcc.Mode = "ANY"
	case "function", "tool":
		fcc.Mode = "ANY"
		if forcedName != "" {
			fcc.AllowedFunctionNames = []string{forcedName}
		}
	default:
		fcc.Mode = "AUTO"
	}
	return &upstream.ToolConfig{FunctionCallingConfig: &fcc}
}

// openAIFinishReason maps an upstream finishReason to the OpenAI value.
func openAIFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch {
	case reason == "" || reason == "STOP" || reason == "OTHER" || reason == "FINISH_REASON_UNSPECIFIED":
		return "stop"
	case strings.HasPrefix(reason, "MAX_"):
		return "length"
	case reason == "PAUSE":
		return "pause_turn"
	default:
		// SAFETY, RECITATION, MALFORMED_FUNCTION_CALL, PROHIBITED_CONTENT, ...
		return "content_filter"
	}
}

// claudeStopReason maps an upstream finishReason to the Anthropic value.
func claudeStopReason(reason string, hasToolUse bool) string {
	if hasToolUse {
		return "tool_use"
	}
	switch {
	case reason == "" || reason == "STOP" || reason == "OTHER" || reason == "FINISH_REASON_UNSPECIFIED":
		return "end_turn"
	case strings.HasPrefix(reason, "MAX_"):
		return "max_tokens"
	case reason == "PAUSE":
		return "pause_turn"
	default:
		return "refusal"
	}
}

// parseDataURL splits a data:<mime>;base64,<data> URL. ok is false for
// anything else (remote URLs are not fetched).
func parseDataURL(u string) (mime, data string, ok bool) {
	if !strings.HasPrefix(u, "data:") {
		return "", "", false
	}
	meta, payload, found := strings.Cut(u[len("data:"):], ",")
	if !found {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	if mime == "" {
		mime = "image/jpeg"
	}
	return mime, payload, true
}

// toolIDMatchesFamily reports whether a historical tool_call_id belongs to the
// target model family. Claude ids are "toolu_*"; replaying them against a
// Gemini model (or vice versa) fails upstream validation, so mismatched
// history is degraded to text.
func toolIDMatchesFamily(toolCallID, model string) bool {
	isClaudeID := strings.HasPrefix(toolCallID, "toolu_")
	return isClaudeID == models.IsClaude(model)
}
