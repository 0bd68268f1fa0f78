package translator

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// echoModel rewrites modelVersion to the model the client asked for, hiding
// the internal mapping.
func echoModel(body, model string) string {
	if !gjson.Get(body, "modelVersion").Exists() {
		return body
	}
	if out, err := sjson.Set(body, "modelVersion", model); err == nil {
		return out
	}
	return body
}

// UpstreamToGemini unwraps a non-streaming upstream response. The inner body
// already is the generateContent shape; signatures are harvested on the way
// through so later turns can replay them.
func (t *Translator) UpstreamToGemini(model string, raw []byte) ([]byte, error) {
	result := unwrapResponse(raw)
	t.harvestSignatures(model, result.Get("candidates.0.content.parts").Array())
	return []byte(echoModel(result.Raw, model)), nil
}

// GeminiStream unwraps upstream SSE chunks for the native dialect.
type GeminiStream struct {
	t     *Translator
	model string
}

// NewGeminiStream starts a passthrough encoder for one request.
func (t *Translator) NewGeminiStream(model string) *GeminiStream {
	return &GeminiStream{t: t, model: model}
}

// Next unwraps one upstream SSE data payload.
func (s *GeminiStream) Next(chunk []byte) []string {
	result := unwrapResponse(chunk)
	if !result.Exists() || result.Type == gjson.Null {
		return nil
	}
	s.t.harvestSignatures(s.model, result.Get("candidates.0.content.parts").Array())
	return []string{echoModel(result.Raw, s.model)}
}
