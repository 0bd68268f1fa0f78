package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorFormat selects the downstream error envelope dialect.
type ErrorFormat string

const (
	FormatOpenAI ErrorFormat = "openai"
	FormatClaude ErrorFormat = "claude"
	FormatGemini ErrorFormat = "gemini"
)

// APIError is the standardized error value carried through the pool, the
// retry orchestrator and the handlers. RetryAfterMs is non-zero only for
// capacity-class errors.
type APIError struct {
	HTTPStatus   int
	Code         string
	Type         string
	Message      string
	RetryAfterMs int64
	Details      map[string]interface{}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (status=%d, code=%s)", e.Message, e.HTTPStatus, e.Code)
}

// New constructs an APIError.
func New(status int, code, typ, message string) *APIError {
	return &APIError{HTTPStatus: status, Code: code, Type: typ, Message: message}
}

// WithRetryAfter attaches a retry hint in milliseconds.
func (e *APIError) WithRetryAfter(ms int64) *APIError {
	e.RetryAfterMs = ms
	return e
}

// OpenAIError mirrors OpenAI's error envelope.
type OpenAIError struct {
	Error struct {
		Message string                 `json:"message"`
		Type    string                 `json:"type"`
		Code    string                 `json:"code,omitempty"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// ClaudeError mirrors Anthropic's error envelope.
type ClaudeError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GeminiError mirrors the Gemini error structure.
type GeminiError struct {
	Error struct {
		Code    int                    `json:"code"`
		Message string                 `json:"message"`
		Status  string                 `json:"status"`
		Details map[string]interface{} `json:"details,omitempty"`
	} `json:"error"`
}

// ToJSON serializes the error in the requested dialect envelope.
func (e *APIError) ToJSON(format ErrorFormat) ([]byte, error) {
	switch format {
	case FormatClaude:
		var env ClaudeError
		env.Type = "error"
		env.Error.Type = claudeErrorType(e)
		env.Error.Message = e.Message
		return json.Marshal(env)
	case FormatGemini:
		var env GeminiError
		env.Error.Code = e.HTTPStatus
		env.Error.Message = e.Message
		env.Error.Status = geminiStatus(e.HTTPStatus)
		env.Error.Details = e.Details
		return json.Marshal(env)
	default:
		var env OpenAIError
		env.Error.Message = e.Message
		env.Error.Type = e.Type
		env.Error.Code = e.Code
		env.Error.Details = e.Details
		return json.Marshal(env)
	}
}

func claudeErrorType(e *APIError) string {
	switch {
	case e.HTTPStatus == 429:
		return "rate_limit_error"
	case e.HTTPStatus == 401:
		return "authentication_error"
	case e.HTTPStatus == 400:
		return "invalid_request_error"
	case e.HTTPStatus == 404:
		return "not_found_error"
	case e.HTTPStatus == 529:
		return "overloaded_error"
	case e.HTTPStatus >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func geminiStatus(code int) string {
	switch code {
	case 400:
		return "INVALID_ARGUMENT"
	case 401:
		return "UNAUTHENTICATED"
	case 403:
		return "PERMISSION_DENIED"
	case 404:
		return "NOT_FOUND"
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 499:
		return "CANCELLED"
	case 503:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
