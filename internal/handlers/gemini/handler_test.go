package gemini

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
	r.GET("/v1beta/models", h.ListModels)
	r.POST("/v1beta/models/:modelAction", h.ModelAction)
	return r
}

func TestGenerateContentPassthrough(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1internal:generateContent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"pong"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":2,"candidatesTokenCount":1,"totalTokenCount":3}}}`))
	})
	r := newTestRouter(newTestBackend(t, mux))

	req := httptest.NewRequest("POST", "/v1beta/models/gemini-3-flash:generateContent",
		strings.NewReader(`{"contents":[{"role":"user","parts":[{"text":"ping"}]}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code, w.Body.String())
	body := gjson.Parse(w.Body.String())
	require.Equal(t, "pong", body.Get("candidates.0.content.parts.0.text").String())
	require.Equal(t, int64(2), body.Get("usageMetadata.promptTokenCount").Int())
}

func TestStreamGenerateContentUnwraps(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1internal:streamGenerateContent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"po\"}]}}]}}\n\n"))
		_, _ = w.Write([]byte("data: {\"response\":{\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"ng\"}]},\"finishReason\":\"STOP\"}]}}\n\n"))
	})
	r := newTestRouter(newTestBackend(t, mux))

	req := httptest.NewRequest("POST", "/v1beta/models/gemini-3-flash:streamGenerateContent",
		strings.NewReader(`{"contents":[{"role":"user","parts":[{"text":"ping"}]}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	require.Contains(t, body, `"text":"po"`)
	require.Contains(t, body, `"finishReason":"STOP"`)
	// Chunks are bare generateContent responses, not the upstream envelope.
	require.NotContains(t, body, `"response"`)
}

func TestCountTokensPassthrough(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1internal:countTokens", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalTokens":17}`))
	})
	r := newTestRouter(newTestBackend(t, mux))

	req := httptest.NewRequest("POST", "/v1beta/models/gemini-3-flash:countTokens",
		strings.NewReader(`{"contents":[{"role":"user","parts":[{"text":"ping"}]}]}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code, w.Body.String())
	require.Equal(t, int64(17), gjson.Get(w.Body.String(), "totalTokens").Int())
}

func TestUnknownActionReturns404(t *testing.T) {
	r := newTestRouter(newTestBackend(t, http.NotFoundHandler()))

	req := httptest.NewRequest("POST", "/v1beta/models/gemini-3-flash:embedContent",
		strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 404, w.Code)
	require.Equal(t, "NOT_FOUND", gjson.Get(w.Body.String(), "error.status").String())
}

func TestModelsListIsGeminiShaped(t *testing.T) {
	r := newTestRouter(newTestBackend(t, http.NotFoundHandler()))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1beta/models", nil))

	require.Equal(t, 200, w.Code)
	first := gjson.Get(w.Body.String(), "models.0.name").String()
	require.True(t, strings.HasPrefix(first, "models/"))
}
