package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ag2api-go/internal/config"
	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	mu      sync.Mutex
	replies map[string][]string // action -> queued bodies
	calls   []string
}

func (f *fakeAPI) next(action string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action)
	queue := f.replies[action]
	if len(queue) == 0 {
		return "", fmt.Errorf("no reply queued for %s", action)
	}
	body := queue[0]
	f.replies[action] = queue[1:]
	return body, nil
}

func (f *fakeAPI) Action(_ context.Context, action, _ string, _ []byte) ([]byte, error) {
	body, err := f.next(action)
	return []byte(body), err
}

func (f *fakeAPI) ActionAt(ctx context.Context, _ string, action, token string, payload []byte) ([]byte, error) {
	return f.Action(ctx, action, token, payload)
}

func newTestManager(t *testing.T, api actionCaller, opts ...ManagerOption) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	cfg := &config.Config{
		OAuthClientID:      "client-id",
		OAuthClientSecret:  "client-secret",
		CodeAssistEndpoint: config.DefaultCodeAssistEndpoint,
	}
	return NewManager(cfg, st, api, opts...), st
}

func TestEnsureValidTokenUsesBuffer(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "ya29.fresh", "expires_in": 3600})
	}))
	defer srv.Close()
	info := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"email": "a@example.com"})
	}))
	defer info.Close()

	m, st := newTestManager(t, &fakeAPI{},
		WithTokenEndpoint(srv.URL), WithUserInfoEndpoint(info.URL))
	acct := &store.Account{RefreshToken: "1//r"}
	require.NoError(t, st.CreateAccount(acct))

	acct.AccessToken = "ya29.live"
	acct.TokenExpiresAt = time.Now().Add(time.Hour).UnixMilli()
	tok, err := m.EnsureValidToken(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, "ya29.live", tok)
	require.Equal(t, int32(0), atomic.LoadInt32(&hits))

	// Inside the 5-minute buffer the token counts as stale and a refresh
	// happens.
	acct.TokenExpiresAt = time.Now().Add(time.Minute).UnixMilli()
	tok, err = m.EnsureValidToken(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, "ya29.fresh", tok)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRefreshSingleFlight(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"access_token": "ya29.new", "expires_in": 3600})
	}))
	defer srv.Close()
	info := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"email": "bob@example.com"})
	}))
	defer info.Close()

	m, st := newTestManager(t, &fakeAPI{},
		WithTokenEndpoint(srv.URL), WithUserInfoEndpoint(info.URL))
	acct := &store.Account{RefreshToken: "1//r"}
	require.NoError(t, st.CreateAccount(acct))

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.ForceRefresh(context.Background(),
				&store.Account{ID: acct.ID, RefreshToken: "1//r"})
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
	for i := range tokens {
		require.NoError(t, errs[i])
		require.Equal(t, "ya29.new", tokens[i])
	}

	got, err := st.GetAccount(acct.ID)
	require.NoError(t, err)
	require.Equal(t, "ya29.new", got.AccessToken)
	require.Equal(t, "bob@example.com", got.Email)
}

func TestInvalidGrantMarksAccountError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	m, st := newTestManager(t, &fakeAPI{}, WithTokenEndpoint(srv.URL))
	acct := &store.Account{RefreshToken: "1//revoked"}
	require.NoError(t, st.CreateAccount(acct))

	_, err := m.ForceRefresh(context.Background(), acct)
	require.Error(t, err)
	require.True(t, apierr.IsRefreshTokenInvalid(err))

	got, gerr := st.GetAccount(acct.ID)
	require.NoError(t, gerr)
	require.Equal(t, store.StatusError, got.Status)
}

func TestTokenListenerNotified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "ya29.hb", "expires_in": 3600})
	}))
	defer srv.Close()
	info := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"email": "c@example.com"})
	}))
	defer info.Close()

	m, st := newTestManager(t, &fakeAPI{},
		WithTokenEndpoint(srv.URL), WithUserInfoEndpoint(info.URL))
	acct := &store.Account{RefreshToken: "1//r"}
	require.NoError(t, st.CreateAccount(acct))

	var gotID int64
	var gotTok string
	m.OnTokenRefreshed(func(id int64, tok string) { gotID, gotTok = id, tok })

	_, err := m.ForceRefresh(context.Background(), acct)
	require.NoError(t, err)
	require.Equal(t, acct.ID, gotID)
	require.Equal(t, "ya29.hb", gotTok)
}

func TestFetchProjectIDFromLoad(t *testing.T) {
	api := &fakeAPI{replies: map[string][]string{
		"loadCodeAssist": {`{"cloudaicompanionProject":"proj-from-load","currentTier":{"id":"standard-tier"}}`},
	}}
	m, st := newTestManager(t, api)
	acct := &store.Account{RefreshToken: "1//r"}
	require.NoError(t, st.CreateAccount(acct))

	project, err := m.FetchProjectID(context.Background(), acct, "tok")
	require.NoError(t, err)
	require.Equal(t, "proj-from-load", project)

	got, _ := st.GetAccount(acct.ID)
	require.Equal(t, "proj-from-load", got.ProjectID)
	require.Equal(t, "standard-tier", got.Tier)
}

func TestFetchProjectIDOnboardTolerance(t *testing.T) {
	// load yields nothing twice (prod + daily); onboarding then returns a
	// pending poll, two empty completions, and finally the project.
	api := &fakeAPI{replies: map[string][]string{
		"loadCodeAssist": {`{}`, `{}`},
		"onboardUser": {
			`{"done":false}`,
			`{"done":true}`,
			`{"done":true}`,
			`{"done":true,"response":{"cloudaicompanionProject":{"id":"proj-onboarded"}}}`,
		},
	}}
	m, st := newTestManager(t, api, WithOnboardInterval(time.Millisecond))
	acct := &store.Account{RefreshToken: "1//r"}
	require.NoError(t, st.CreateAccount(acct))

	project, err := m.FetchProjectID(context.Background(), acct, "tok")
	require.NoError(t, err)
	require.Equal(t, "proj-onboarded", project)
}

func TestSyncQuotaAggregatesMinimum(t *testing.T) {
	catalog := `{"models":[
		{"model":"gemini-3-flash","quotaInfo":{"remainingFraction":0.8}},
		{"model":"gemini-3-pro-high","quotaInfo":{"remainingFraction":0.3,"resetTime":"2026-08-24T12:00:00Z"}},
		{"model":"gemini-3-pro-image","quotaInfo":{"remainingFraction":0.01}},
		{"model":"untracked-internal","quotaInfo":{"remainingFraction":0.0}}
	]}`
	api := &fakeAPI{replies: map[string][]string{"fetchAvailableModels": {catalog}}}
	m, st := newTestManager(t, api)
	acct := &store.Account{RefreshToken: "1//r"}
	require.NoError(t, st.CreateAccount(acct))

	require.NoError(t, m.SyncQuota(context.Background(), acct, "tok"))

	got, _ := st.GetAccount(acct.ID)
	// Image quota (0.01) must not drag the aggregate below pro's 0.3.
	require.Equal(t, 0.3, got.QuotaRemaining)

	rows, err := st.ListModelQuotas(acct.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3) // untracked model skipped
}

func TestSyncQuotaNoSignalZeroesAggregate(t *testing.T) {
	api := &fakeAPI{replies: map[string][]string{"fetchAvailableModels": {`{"models":[]}`}}}
	m, st := newTestManager(t, api)
	acct := &store.Account{RefreshToken: "1//r"}
	require.NoError(t, st.CreateAccount(acct))

	require.NoError(t, m.SyncQuota(context.Background(), acct, "tok"))
	got, _ := st.GetAccount(acct.ID)
	require.Equal(t, 0.0, got.QuotaRemaining)
}
