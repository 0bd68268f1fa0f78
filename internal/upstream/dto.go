package upstream

import (
	"encoding/json"

	"ag2api-go/internal/version"
)

// Envelope is the canonical Code Assist request body. Every dialect decoder
// produces one of these; the client marshals it verbatim.
type Envelope struct {
	Model       string  `json:"model"`
	Project     string  `json:"project"`
	RequestID   string  `json:"requestId"`
	UserAgent   string  `json:"userAgent"`
	RequestType string  `json:"requestType"`
	Request     Request `json:"request"`
}

// NewEnvelope fills the fixed identity fields around an inner request.
func NewEnvelope(model, project, requestID string, req Request) Envelope {
	return Envelope{
		Model:       model,
		Project:     project,
		RequestID:   requestID,
		UserAgent:   version.UserAgent(),
		RequestType: "agent",
		Request:     req,
	}
}

// Request is the inner generation request.
type Request struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SessionID         string            `json:"sessionId,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
}

// Content is one turn; role is "user" or "model".
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is the union of everything a turn may carry. Exactly one of Text,
// InlineData, FunctionCall or FunctionResponse is meaningful per part;
// Thought and ThoughtSignature decorate text parts.
type Part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Blob is inline binary data, base64 in data.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is a model-emitted tool invocation. ID round-trips so the
// signature cache can key on it.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// GenerationConfig mirrors the upstream generation knobs the dialects map to.
type GenerationConfig struct {
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"topP,omitempty"`
	TopK            *int            `json:"topK,omitempty"`
	CandidateCount  int             `json:"candidateCount,omitempty"`
	MaxOutputTokens int             `json:"maxOutputTokens,omitempty"`
	StopSequences   []string        `json:"stopSequences,omitempty"`
	ThinkingConfig  *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

// ThinkingConfig enables reasoning output with an optional token budget.
type ThinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget,omitempty"`
}

// Tool declares callable functions.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// FunctionDeclaration keeps parameters as raw JSON; schemas pass through
// untouched.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolConfig steers function calling.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig mode is NONE, AUTO or ANY.
type FunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// SafetySetting is one category/threshold pair.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}
