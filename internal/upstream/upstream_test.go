package upstream

import (
	"encoding/json"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequestIDShape(t *testing.T) {
	re := regexp.MustCompile(`^agent/\d{13}/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}/\d$`)
	for i := 0; i < 10; i++ {
		id := NewRequestID()
		require.Regexp(t, re, id)
		require.NotEmpty(t, TrajectoryID(id))
	}
}

func TestTrajectoryID(t *testing.T) {
	require.Equal(t, "abc-def", TrajectoryID("agent/1700000000000/abc-def/3"))
	require.Equal(t, "", TrajectoryID("not-a-request-id"))
}

func TestBuildHeadersOrder(t *testing.T) {
	hs := buildHeaders("https://daily-cloudcode-pa.googleapis.com/v1internal:generateContent", "tok", 42)
	names := make([]string, len(hs))
	for i, h := range hs {
		names[i] = h.Name
	}
	require.Equal(t, []string{
		"Host", "Authorization", "Content-Type", "User-Agent",
		"X-Goog-Api-Client", "Client-Metadata", "Accept-Encoding",
		"Content-Length", "Connection",
	}, names)
	require.Equal(t, "daily-cloudcode-pa.googleapis.com", hs[0].Value)
	require.Equal(t, "Bearer tok", hs[1].Value)
	require.Equal(t, "gzip", hs[6].Value)
	require.Equal(t, "42", hs[7].Value)
}

func TestEnvelopeMarshalOmitsEmpty(t *testing.T) {
	env := Envelope{
		Model:       "gemini-3-flash",
		Project:     "proj-1",
		RequestID:   "agent/1/u/2",
		UserAgent:   "antigravity/1.16.5 windows/amd64",
		RequestType: "agent",
		Request: Request{
			Contents: []Content{{Role: "user", Parts: []Part{{Text: "hi"}}}},
		},
	}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	s := string(b)
	require.Contains(t, s, `"requestId":"agent/1/u/2"`)
	require.NotContains(t, s, "thoughtSignature")
	require.NotContains(t, s, "functionCall")
	require.NotContains(t, s, "toolConfig")
}

func TestDecodeAPIError(t *testing.T) {
	e := DecodeAPIError(429, []byte(`{"error":{"code":429,"message":"Resource has been exhausted, reset after 7s","status":"RESOURCE_EXHAUSTED"}}`))
	require.Equal(t, 429, e.HTTPStatus)
	require.Equal(t, "RESOURCE_EXHAUSTED", e.Code)
	require.Contains(t, e.Message, "reset after 7s")

	// Array form shows up on the stream endpoint.
	e = DecodeAPIError(400, []byte(`[{"error":{"message":"Invalid argument","status":"INVALID_ARGUMENT"}}]`))
	require.Equal(t, "INVALID_ARGUMENT", e.Code)

	// Garbage body falls back to the raw text.
	e = DecodeAPIError(502, []byte("bad gateway"))
	require.Equal(t, "bad gateway", e.Message)
	require.Equal(t, "upstream_502", e.Code)
}
