package token

import (
	"context"
	"fmt"

	"ag2api-go/internal/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const authURL = "https://accounts.google.com/o/oauth2/v2/auth"

var oauthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

func (m *Manager) oauthConfig(redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     m.cfg.OAuthClientID,
		ClientSecret: m.cfg.OAuthClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       oauthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: m.tokenEndpoint,
		},
	}
}

// AuthorizationURL builds the consent URL an operator opens to authorize a
// new account. offline access with forced consent guarantees a refresh token.
func (m *Manager) AuthorizationURL(redirectURI, state string) string {
	return m.oauthConfig(redirectURI).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeCode swaps an authorization code for tokens and registers (or
// re-authorizes) the account. Returns the stored account.
func (m *Manager) ExchangeCode(ctx context.Context, code, redirectURI string) (*store.Account, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.http)
	tok, err := m.oauthConfig(redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}
	if tok.RefreshToken == "" {
		return nil, fmt.Errorf("authorization did not return a refresh token")
	}

	email := ""
	if got, err := m.fetchEmail(ctx, tok.AccessToken); err == nil {
		email = got
	} else {
		log.WithError(err).Debug("userinfo lookup failed after exchange")
	}

	// Re-authorizing an existing account replaces its grant and reactivates it.
	if email != "" {
		if existing, err := m.st.GetAccountByEmail(email); err == nil && existing != nil {
			existing.RefreshToken = tok.RefreshToken
			existing.AccessToken = tok.AccessToken
			existing.TokenExpiresAt = tok.Expiry.UnixMilli()
			if err := m.st.ReplaceRefreshToken(existing.ID, tok.RefreshToken, tok.AccessToken, existing.TokenExpiresAt); err != nil {
				return nil, err
			}
			if err := m.st.UpdateStatus(existing.ID, store.StatusActive, ""); err != nil {
				return nil, err
			}
			existing.Status = store.StatusActive
			log.WithFields(log.Fields{"account_id": existing.ID, "email": email}).
				Info("account re-authorized")
			return existing, nil
		}
	}

	acct := &store.Account{
		Email:          email,
		RefreshToken:   tok.RefreshToken,
		AccessToken:    tok.AccessToken,
		TokenExpiresAt: tok.Expiry.UnixMilli(),
	}
	if err := m.st.CreateAccount(acct); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"account_id": acct.ID, "email": email}).Info("account authorized")
	return acct, nil
}
