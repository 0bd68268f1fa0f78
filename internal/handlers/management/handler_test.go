package management

import (
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ag2api-go/internal/config"
	"ag2api-go/internal/pool"
	"ag2api-go/internal/store"
	"ag2api-go/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type noopScheduler struct {
	started []int64
	stopped []int64
}

func (n *noopScheduler) StartAccount(acct *store.Account) { n.started = append(n.started, acct.ID) }
func (n *noopScheduler) StopAccount(id int64)             { n.stopped = append(n.stopped, id) }

func newTestHandler(t *testing.T) (*Handler, *store.Store, *noopScheduler) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{Port: 8045, GroupThresholdDefault: 0.1}
	sched := &noopScheduler{}
	h := New(cfg, st, token.NewManager(cfg, st, nil), pool.New(cfg, st, nil), sched)
	return h, st, sched
}

func newTestRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/accounts", h.ListAccounts)
	r.DELETE("/api/accounts/:id", h.DeleteAccount)
	r.POST("/api/accounts/:id/disable", h.DisableAccount)
	r.POST("/api/accounts/:id/enable", h.EnableAccount)
	r.GET("/api/settings", h.GetSettings)
	r.PUT("/api/settings", h.PutSettings)
	r.GET("/api/keys", h.ListAPIKeys)
	r.POST("/api/keys", h.CreateAPIKey)
	r.DELETE("/api/keys/:id", h.DeleteAPIKey)
	r.GET("/api/routing", h.Routing)
	r.GET("/api/logs", h.Logs)
	return r
}

func TestListAccountsStripsCredentials(t *testing.T) {
	h, st, _ := newTestHandler(t)
	acct := &store.Account{Email: "a@example.com", RefreshToken: "secret-rt", AccessToken: "secret-at"}
	require.NoError(t, st.CreateAccount(acct))
	require.NoError(t, st.UpsertModelQuota(acct.ID, "gemini-3-flash", 0.8, sql.NullInt64{}))
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/accounts", nil))

	require.Equal(t, 200, w.Code)
	body := w.Body.String()
	require.NotContains(t, body, "secret-rt")
	require.NotContains(t, body, "secret-at")
	parsed := gjson.Parse(body)
	require.Equal(t, "a@example.com", parsed.Get("accounts.0.email").String())
	require.Equal(t, 0.8, parsed.Get("accounts.0.model_quotas.0.quota_remaining").Float())
}

func TestDisableStopsSchedulersAndEnableRestarts(t *testing.T) {
	h, st, sched := newTestHandler(t)
	acct := &store.Account{Email: "a@example.com", RefreshToken: "rt"}
	require.NoError(t, st.CreateAccount(acct))
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/accounts/1/disable", nil))
	require.Equal(t, 200, w.Code)
	require.Equal(t, []int64{1}, sched.stopped)

	got, err := st.GetAccount(1)
	require.NoError(t, err)
	require.Equal(t, store.StatusDisabled, got.Status)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/accounts/1/enable", nil))
	require.Equal(t, 200, w.Code)
	require.Equal(t, []int64{1}, sched.started)

	got, err = st.GetAccount(1)
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, got.Status)
}

func TestDeleteAccountStopsSchedulers(t *testing.T) {
	h, st, sched := newTestHandler(t)
	acct := &store.Account{Email: "a@example.com", RefreshToken: "rt"}
	require.NoError(t, st.CreateAccount(acct))
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", "/api/accounts/1", nil))

	require.Equal(t, 200, w.Code)
	require.Equal(t, []int64{1}, sched.stopped)
	got, err := st.GetAccount(1)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSettingsRoundTrip(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/settings", nil))
	require.Equal(t, 200, w.Code)
	require.Equal(t, 0.1, gjson.Get(w.Body.String(), "group_thresholds.flash").Float())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/api/settings",
		strings.NewReader(`{"group_thresholds":{"pro":0.35}}`)))
	require.Equal(t, 200, w.Code)
	body := gjson.Parse(w.Body.String())
	require.Equal(t, 0.35, body.Get("group_thresholds.pro").Float())
	require.Equal(t, 0.1, body.Get("group_thresholds.flash").Float())
}

func TestSettingsRejectsUnknownGroup(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/api/settings",
		strings.NewReader(`{"group_thresholds":{"ultra":0.5}}`)))
	require.Equal(t, 400, w.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	h, st, _ := newTestHandler(t)
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/api/keys",
		strings.NewReader(`{"label":"ci"}`)))
	require.Equal(t, http.StatusCreated, w.Code)
	key := gjson.Get(w.Body.String(), "key.key").String()
	require.True(t, strings.HasPrefix(key, "sk-"))

	ok, err := st.HasAPIKey(key)
	require.NoError(t, err)
	require.True(t, ok)

	id := gjson.Get(w.Body.String(), "key.id").Int()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("DELETE", fmt.Sprintf("/api/keys/%d", id), nil))
	require.Equal(t, 200, w.Code)

	ok, err = st.HasAPIKey(key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRoutingOverviewHasAllGroups(t *testing.T) {
	h, st, _ := newTestHandler(t)
	acct := &store.Account{Email: "a@example.com", RefreshToken: "rt"}
	require.NoError(t, st.CreateAccount(acct))
	require.NoError(t, st.UpsertModelQuota(acct.ID, "gemini-3-flash", 0.9, sql.NullInt64{}))
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/routing", nil))

	require.Equal(t, 200, w.Code)
	groups := gjson.Get(w.Body.String(), "groups.#.group").Array()
	require.Len(t, groups, 4)
}

func TestLogsEmpty(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newTestRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/api/logs?limit=10", nil))

	require.Equal(t, 200, w.Code)
	require.Equal(t, int64(0), gjson.Get(w.Body.String(), "attempts.#").Int())
}
