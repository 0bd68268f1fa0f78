package openai

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ag2api-go/internal/config"
	"ag2api-go/internal/dispatch"
	"ag2api-go/internal/fingerprint"
	"ag2api-go/internal/handlers/common"
	"ag2api-go/internal/pool"
	"ag2api-go/internal/sigcache"
	"ag2api-go/internal/store"
	"ag2api-go/internal/translator"
	"ag2api-go/internal/upstream"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type staticTokens struct{}

func (staticTokens) EnsureValidToken(_ context.Context, _ *store.Account) (string, error) {
	return "test-token", nil
}

func (staticTokens) ForceRefresh(_ context.Context, _ *store.Account) (string, error) {
	return "test-token", nil
}

func testConfig() *config.Config {
	return &config.Config{
		SameAccountRetries:           1,
		SameAccountRetryDelayMS:      1,
		UpstreamCapacityRetryDelayMS: 1,
		ErrorCountToDisable:          5,
		RetryTotalTimeoutMS:          30000,
		MaxConcurrentPerAccount:      4,
		CapacityCooldownDefaultMS:    1000,
		CapacityCooldownMaxMS:        60000,
		ToolResultMaxChars:           30000,
		ToolResultTotalMaxChars:      150000,
		ToolResultTailChars:          2000,
		MaxOutputTokensWithTools:     32000,
		OpenAIThinkingOutput:         "reasoning_content",
	}
}

func newTestBackend(t *testing.T, fake http.Handler) *common.Backend {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	acct := &store.Account{Email: "pool@example.com", RefreshToken: "rt", ProjectID: "proj-1"}
	require.NoError(t, st.CreateAccount(acct))
	for _, rep := range []string{"gemini-3-flash", "gemini-3-pro-high", "claude-sonnet-4-5", "gemini-3-pro-image"} {
		require.NoError(t, st.UpsertModelQuota(acct.ID, rep, 1.0, sql.NullInt64{}))
	}

	cfg := testConfig()
	tr := fingerprint.New(fingerprint.Options{})
	client := upstream.New(srv.URL, tr)
	p := pool.New(cfg, st, staticTokens{})

	return &common.Backend{
		Cfg:        cfg,
		Store:      st,
		Translator: translator.New(cfg, sigcache.New(time.Hour, nil)),
		Dispatcher: dispatch.New(cfg, st, p, staticTokens{}),
		Pool:       p,
		Client:     client,
	}
}

func newTestRouter(b *common.Backend) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(b)
	r.GET("/v1/models", h.ListModels)
	r.POST("/v1/chat/completions", h.ChatCompletions)
	return r
}

func TestListModelsExposesRegistry(t *testing.T) {
	r := newTestRouter(newTestBackend(t, http.NotFoundHandler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/models", nil))

	require.Equal(t, 200, w.Code)
	body := gjson.Parse(w.Body.String())
	require.Equal(t, "list", body.Get("object").String())
	ids := make([]string, 0)
	for _, m := range body.Get("data").Array() {
		ids = append(ids, m.Get("id").String())
	}
	require.Contains(t, ids, "gemini-3-flash")
	require.Contains(t, ids, "claude-sonnet-4-5")
}

func TestChatCompletionsNonStream(t *testing.T) {
	var gotEnvelope gjson.Result
	mux := http.NewServeMux()
	mux.HandleFunc("/v1internal:generateContent", func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotEnvelope = gjson.ParseBytes(buf)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hello"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":7,"totalTokenCount":12}}}`))
	})
	r := newTestRouter(newTestBackend(t, mux))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code, w.Body.String())
	body := gjson.Parse(w.Body.String())
	require.Equal(t, "chat.completion", body.Get("object").String())
	require.Equal(t, "gemini-3-flash", body.Get("model").String())
	require.Equal(t, "hello", body.Get("choices.0.message.content").String())
	require.Equal(t, "stop", body.Get("choices.0.finish_reason").String())
	require.Equal(t, int64(5), body.Get("usage.prompt_tokens").Int())

	require.Equal(t, "gemini-3-flash", gotEnvelope.Get("model").String())
	require.Equal(t, "proj-1", gotEnvelope.Get("project").String())
	require.Equal(t, "agent", gotEnvelope.Get("requestType").String())
	require.True(t, strings.HasPrefix(gotEnvelope.Get("requestId").String(), "agent/"))
	require.Equal(t, "hi", gotEnvelope.Get("request.contents.0.parts.0.text").String())
}

func TestChatCompletionsStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1internal:streamGenerateContent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hel\"}]}}]}}\n\n"))
		_, _ = w.Write([]byte("data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]},\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":3,\"candidatesTokenCount\":2,\"totalTokenCount\":5}}}\n\n"))
	})
	r := newTestRouter(newTestBackend(t, mux))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gemini-3-flash","stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	body := w.Body.String()
	require.Contains(t, body, `"content":"hel"`)
	require.Contains(t, body, `"content":"lo"`)
	require.Contains(t, body, `"finish_reason":"stop"`)
	require.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	r := newTestRouter(newTestBackend(t, http.NotFoundHandler()))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 404, w.Code)
	body := gjson.Parse(w.Body.String())
	require.Equal(t, "invalid_request_error", body.Get("error.type").String())
}

func TestChatCompletionsUpstreamErrorIsFormatted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1internal:generateContent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(400)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"invalid argument","status":"INVALID_ARGUMENT"}}`))
	})
	r := newTestRouter(newTestBackend(t, mux))

	req := httptest.NewRequest("POST", "/v1/chat/completions",
		strings.NewReader(`{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 400, w.Code)
	require.Contains(t, w.Body.String(), "invalid argument")
}
