package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ag2api-go/internal/config"
	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	tokenURL    = "https://oauth2.googleapis.com/token"
	userInfoURL = "https://www.googleapis.com/oauth2/v1/userinfo"

	// refreshBuffer is how long before expiry a token is considered stale.
	refreshBuffer = 5 * time.Minute
)

// actionCaller is the slice of the upstream client the manager needs for
// onboarding and quota sync.
type actionCaller interface {
	Action(ctx context.Context, action, accessToken string, payload []byte) ([]byte, error)
	ActionAt(ctx context.Context, endpoint, action, accessToken string, payload []byte) ([]byte, error)
}

// Manager owns OAuth token lifecycles for pooled accounts. Refreshes are
// single-flight per account id: concurrent callers join the outstanding
// exchange and share its result.
type Manager struct {
	cfg  *config.Config
	st   *store.Store
	api  actionCaller
	http *http.Client
	now  func() time.Time

	tokenEndpoint    string
	userInfoEndpoint string
	onboardInterval  time.Duration

	mu       sync.Mutex
	inflight map[int64]*refreshCall

	// onToken is notified after every successful refresh so the heartbeat
	// scheduler can hot-swap tokens without restarting timers.
	onToken func(accountID int64, accessToken string)
}

// ManagerOption customizes Manager creation.
type ManagerOption func(*Manager)

// WithTokenEndpoint overrides the OAuth token endpoint.
func WithTokenEndpoint(u string) ManagerOption {
	return func(m *Manager) {
		if u != "" {
			m.tokenEndpoint = u
		}
	}
}

// WithUserInfoEndpoint overrides the userinfo endpoint.
func WithUserInfoEndpoint(u string) ManagerOption {
	return func(m *Manager) {
		if u != "" {
			m.userInfoEndpoint = u
		}
	}
}

// WithHTTPClient overrides the HTTP client used for OAuth calls.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.http = c
		}
	}
}

// WithOnboardInterval shortens the onboardUser poll interval.
func WithOnboardInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.onboardInterval = d
		}
	}
}

type refreshCall struct {
	done      chan struct{}
	token     string
	expiresAt int64
	err       error
}

// NewManager builds a token manager.
func NewManager(cfg *config.Config, st *store.Store, api actionCaller, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:              cfg,
		st:               st,
		api:              api,
		http:             &http.Client{Timeout: 30 * time.Second},
		now:              time.Now,
		tokenEndpoint:    tokenURL,
		userInfoEndpoint: userInfoURL,
		onboardInterval:  defaultOnboardInterval,
		inflight:         make(map[int64]*refreshCall),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// OnTokenRefreshed registers the heartbeat notification hook.
func (m *Manager) OnTokenRefreshed(f func(accountID int64, accessToken string)) {
	m.onToken = f
}

// EnsureValidToken returns a usable access token for the account, refreshing
// when missing or expiring within the buffer.
func (m *Manager) EnsureValidToken(ctx context.Context, acct *store.Account) (string, error) {
	if acct.AccessToken != "" {
		expiry := time.UnixMilli(acct.TokenExpiresAt)
		if expiry.Sub(m.now()) > refreshBuffer {
			return acct.AccessToken, nil
		}
	}
	return m.ForceRefresh(ctx, acct)
}

// ForceRefresh unconditionally exchanges the refresh token, under the
// per-account single flight.
func (m *Manager) ForceRefresh(ctx context.Context, acct *store.Account) (string, error) {
	m.mu.Lock()
	if call, ok := m.inflight[acct.ID]; ok {
		m.mu.Unlock()
		select {
		case <-call.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if call.err != nil {
			return "", call.err
		}
		acct.AccessToken = call.token
		acct.TokenExpiresAt = call.expiresAt
		return call.token, nil
	}
	call := &refreshCall{done: make(chan struct{})}
	m.inflight[acct.ID] = call
	m.mu.Unlock()

	call.token, call.expiresAt, call.err = m.refresh(ctx, acct)
	close(call.done)

	m.mu.Lock()
	delete(m.inflight, acct.ID)
	m.mu.Unlock()

	if call.err != nil {
		return "", call.err
	}
	acct.AccessToken = call.token
	acct.TokenExpiresAt = call.expiresAt
	return call.token, nil
}

func (m *Manager) refresh(ctx context.Context, acct *store.Account) (string, int64, error) {
	if acct.RefreshToken == "" {
		return "", 0, fmt.Errorf("account %d has no refresh token", acct.ID)
	}

	data := url.Values{
		"client_id":     {m.cfg.OAuthClientID},
		"client_secret": {m.cfg.OAuthClientSecret},
		"refresh_token": {acct.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to refresh token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		refreshErr := apierr.New(resp.StatusCode, "refresh_failed", "",
			fmt.Sprintf("token refresh failed with status %d: %s", resp.StatusCode, string(body)))
		if apierr.IsRefreshTokenInvalid(refreshErr) {
			// Terminal: the grant is revoked. Flag the account so the pool
			// stops selecting it until the operator replaces the token.
			if derr := m.st.UpdateStatus(acct.ID, store.StatusError, "invalid_grant: refresh token revoked"); derr != nil {
				log.WithField("account_id", acct.ID).WithError(derr).Warn("failed to persist invalid_grant status")
			}
			acct.Status = store.StatusError
			log.WithFields(log.Fields{"account_id": acct.ID, "email": acct.Email}).
				Warn("refresh token invalid, account marked error")
		}
		return "", 0, refreshErr
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	expiresAt := m.now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli()

	email := acct.Email
	if email == "" {
		if got, err := m.fetchEmail(ctx, tokenResp.AccessToken); err == nil {
			email = got
		} else {
			log.WithField("account_id", acct.ID).WithError(err).Debug("userinfo lookup failed")
		}
	}

	if err := m.st.UpdateTokens(acct.ID, tokenResp.AccessToken, expiresAt, email, "", ""); err != nil {
		return "", 0, fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	acct.Email = email

	if m.onToken != nil {
		m.onToken(acct.ID, tokenResp.AccessToken)
	}
	log.WithFields(log.Fields{"account_id": acct.ID, "email": email}).Debug("access token refreshed")
	return tokenResp.AccessToken, expiresAt, nil
}

func (m *Manager) fetchEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.userInfoEndpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := m.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d", resp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	return info.Email, nil
}
