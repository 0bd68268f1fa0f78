package claude

import (
	"context"
	"database/sql"
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

	cfg := &config.Config{
		SameAccountRetries:        1,
		SameAccountRetryDelayMS:   1,
		ErrorCountToDisable:       5,
		RetryTotalTimeoutMS:       30000,
		MaxConcurrentPerAccount:   4,
		CapacityCooldownDefaultMS: 1000,
		CapacityCooldownMaxMS:     60000,
		ToolResultMaxChars:        30000,
		ToolResultTotalMaxChars:   150000,
		ToolResultTailChars:       2000,
		MaxOutputTokensWithTools:  32000,
		OpenAIThinkingOutput:      "reasoning_content",
	}
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
	r.POST("/v1/messages", h.Messages)
	r.POST("/v1/messages/count_tokens", h.CountTokens)
	return r
}

func TestMessagesNonStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1internal:generateContent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"hi there"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":3,"totalTokenCount":7}}}`))
	})
	r := newTestRouter(newTestBackend(t, mux))

	req := httptest.NewRequest("POST", "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5","max_tokens":1000,"messages":[{"role":"user","content":"hello"}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code, w.Body.String())
	body := gjson.Parse(w.Body.String())
	require.Equal(t, "message", body.Get("type").String())
	require.Equal(t, "claude-sonnet-4-5", body.Get("model").String())
	require.Equal(t, "text", body.Get("content.0.type").String())
	require.Equal(t, "hi there", body.Get("content.0.text").String())
	require.Equal(t, "end_turn", body.Get("stop_reason").String())
	require.Equal(t, int64(4), body.Get("usage.input_tokens").Int())
}

func TestMessagesStreamEventFraming(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1internal:streamGenerateContent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"hi\"}]}}]}}\n\n"))
		_, _ = w.Write([]byte("data: {\"response\":{\"candidates\":[{\"finishReason\":\"STOP\"}],\"usageMetadata\":{\"promptTokenCount\":4,\"candidatesTokenCount\":1}}}\n\n"))
	})
	r := newTestRouter(newTestBackend(t, mux))

	req := httptest.NewRequest("POST", "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5","max_tokens":1000,"stream":true,"messages":[{"role":"user","content":"hello"}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	for _, name := range []string{
		"event: message_start",
		"event: content_block_start",
		"event: content_block_delta",
		"event: content_block_stop",
		"event: message_delta",
		"event: message_stop",
	} {
		require.Contains(t, body, name)
	}
	require.Contains(t, body, `"stop_reason":"end_turn"`)
	// Anthropic streams have no [DONE] terminator.
	require.NotContains(t, body, "[DONE]")
}

func TestCountTokens(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1internal:countTokens", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalTokens":42}`))
	})
	r := newTestRouter(newTestBackend(t, mux))

	req := httptest.NewRequest("POST", "/v1/messages/count_tokens",
		strings.NewReader(`{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hello"}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code, w.Body.String())
	require.Equal(t, int64(42), gjson.Get(w.Body.String(), "input_tokens").Int())
}

func TestMessagesRejectsEmptyMessages(t *testing.T) {
	r := newTestRouter(newTestBackend(t, http.NotFoundHandler()))

	req := httptest.NewRequest("POST", "/v1/messages",
		strings.NewReader(`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 400, w.Code)
	require.Equal(t, "error", gjson.Get(w.Body.String(), "type").String())
}
