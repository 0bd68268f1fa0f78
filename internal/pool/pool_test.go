package pool

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"ag2api-go/internal/config"
	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	fail map[int64]error
}

func (f *fakeTokens) EnsureValidToken(_ context.Context, acct *store.Account) (string, error) {
	if err, ok := f.fail[acct.ID]; ok {
		return "", err
	}
	return fmt.Sprintf("tok-%d", acct.ID), nil
}

func testConfig() *config.Config {
	return &config.Config{
		GroupThresholdDefault:     0.25,
		MaxConcurrentPerAccount:   2,
		ErrorCountToDisable:       3,
		CapacityCooldownDefaultMS: 30_000,
		CapacityCooldownMaxMS:     1_800_000,
	}
}

func newTestPool(t *testing.T, cfg *config.Config, tokens TokenSource) (*Pool, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	if tokens == nil {
		tokens = &fakeTokens{}
	}
	return New(cfg, st, tokens), st
}

func addAccount(t *testing.T, st *store.Store, email string, flashQuota float64) *store.Account {
	t.Helper()
	acct := &store.Account{Email: email, RefreshToken: "1//r-" + email}
	require.NoError(t, st.CreateAccount(acct))
	require.NoError(t, st.UpsertModelQuota(acct.ID, "gemini-3-flash", flashQuota, sql.NullInt64{}))
	return acct
}

func TestGetNextAccountPrefersHighestQuota(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	low := addAccount(t, st, "low@example.com", 0.4)
	high := addAccount(t, st, "high@example.com", 0.9)
	_ = low

	sel, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.NoError(t, err)
	require.Equal(t, high.ID, sel.Account.ID)
	require.Equal(t, fmt.Sprintf("tok-%d", high.ID), sel.AccessToken)
	require.Equal(t, "group:flash", sel.Resolution.SelectionKey)
}

func TestStickyAccountIsPreferred(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	low := addAccount(t, st, "low@example.com", 0.4)
	addAccount(t, st, "high@example.com", 0.9)

	// A prior successful dispatch pinned the lower-quota account.
	p.MarkAccountSuccess(low.ID, "group:flash")

	sel, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.NoError(t, err)
	require.Equal(t, low.ID, sel.Account.ID)
}

func TestNoActiveAccounts(t *testing.T) {
	p, _ := newTestPool(t, testConfig(), nil)

	_, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.Error(t, err)
	require.Equal(t, 503, apierr.UpstreamStatus(err))
	require.Contains(t, err.Error(), "No active accounts available")
}

func TestThresholdFilterReturns429WithRetryHint(t *testing.T) {
	cfg := testConfig()
	cfg.GroupThresholdDefault = 0.5
	p, st := newTestPool(t, cfg, nil)

	acct := &store.Account{Email: "drained@example.com", RefreshToken: "1//r"}
	require.NoError(t, st.CreateAccount(acct))
	reset := time.Now().Add(90 * time.Second).Unix()
	require.NoError(t, st.UpsertModelQuota(acct.ID, "gemini-3-flash", 0.1,
		sql.NullInt64{Int64: reset, Valid: true}))

	_, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.Error(t, err)
	require.Equal(t, 429, apierr.UpstreamStatus(err))
	require.Contains(t, err.Error(), "No account above 50% quota for flash")
	require.Greater(t, apierr.RetryAfterMs(err), int64(0))
	require.LessOrEqual(t, apierr.RetryAfterMs(err), int64(90_000))
}

func TestFullyDrainedAccountYields429NotNoAccounts(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)

	acct := &store.Account{Email: "empty@example.com", RefreshToken: "1//r"}
	require.NoError(t, st.CreateAccount(acct))
	reset := time.Now().Add(2 * time.Hour).Unix()
	require.NoError(t, st.UpsertModelQuota(acct.ID, "gemini-3-flash", 0,
		sql.NullInt64{Int64: reset, Valid: true}))

	_, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.Error(t, err)
	require.Equal(t, 429, apierr.UpstreamStatus(err))
	require.Contains(t, err.Error(), "No account above 25% quota for flash")
	require.Greater(t, apierr.RetryAfterMs(err), int64(0))
}

func TestCooldownExponentialBackoff(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	acct := addAccount(t, st, "a@example.com", 0.9)

	base := time.Now()
	p.now = func() time.Time { return base }

	p.MarkCapacityLimited(acct.ID, "group:flash", apierr.New(429, "capacity", "", "Resource has been exhausted"))
	until, cooling := p.coolingUntil(acct.ID, "group:flash")
	require.True(t, cooling)
	require.Equal(t, base.Add(30*time.Second), until)

	// Second strike doubles after the first window lapses.
	p.now = func() time.Time { return base.Add(31 * time.Second) }
	p.MarkCapacityLimited(acct.ID, "group:flash", apierr.New(429, "capacity", "", "Resource has been exhausted"))
	until, cooling = p.coolingUntil(acct.ID, "group:flash")
	require.True(t, cooling)
	require.Equal(t, base.Add(31*time.Second).Add(60*time.Second), until)

	// Recovery clears both the window and the strikes.
	p.MarkCapacityRecovered(acct.ID, "group:flash")
	_, cooling = p.coolingUntil(acct.ID, "group:flash")
	require.False(t, cooling)
}

func TestCooldownHonorsResetAfterHint(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	acct := addAccount(t, st, "a@example.com", 0.9)

	base := time.Now()
	p.now = func() time.Time { return base }

	p.MarkCapacityLimited(acct.ID, "group:flash",
		apierr.New(429, "capacity", "", "You have exhausted your capacity on this model, reset after 42s"))
	until, cooling := p.coolingUntil(acct.ID, "group:flash")
	require.True(t, cooling)
	require.Equal(t, base.Add(43*time.Second), until)
}

func TestServerCapacityExhaustionNeverCools(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	acct := addAccount(t, st, "a@example.com", 0.9)

	p.MarkCapacityLimited(acct.ID, "group:flash",
		apierr.New(429, "capacity", "", "Server capacity exceeded for this model"))
	_, cooling := p.coolingUntil(acct.ID, "group:flash")
	require.False(t, cooling)
}

func TestAllCoolingReturns429(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	acct := addAccount(t, st, "a@example.com", 0.9)

	base := time.Now()
	p.now = func() time.Time { return base }
	p.MarkCapacityLimited(acct.ID, "group:flash", apierr.New(429, "capacity", "", "Resource has been exhausted"))

	_, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.Error(t, err)
	require.Equal(t, 429, apierr.UpstreamStatus(err))
	require.Contains(t, err.Error(), "No capacity available, reset after 29s")
	require.Equal(t, int64(30_000), apierr.RetryAfterMs(err))
}

func TestConcurrencyCapAndUnlock(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerAccount = 1
	p, st := newTestPool(t, cfg, nil)
	a := addAccount(t, st, "a@example.com", 0.9)
	b := addAccount(t, st, "b@example.com", 0.8)

	s1, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.NoError(t, err)
	require.Equal(t, a.ID, s1.Account.ID)

	s2, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.NoError(t, err)
	require.Equal(t, b.ID, s2.Account.ID)

	_, err = p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.Error(t, err)
	require.Equal(t, 503, apierr.UpstreamStatus(err))
	require.Contains(t, err.Error(), "No available accounts with valid tokens")

	p.UnlockAccount(a.ID)
	s3, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.NoError(t, err)
	require.Equal(t, a.ID, s3.Account.ID)
}

func TestLockingDisabledWhenCapNonPositive(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentPerAccount = 0
	p, st := newTestPool(t, cfg, nil)
	a := addAccount(t, st, "a@example.com", 0.9)

	for i := 0; i < 5; i++ {
		sel, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
		require.NoError(t, err)
		require.Equal(t, a.ID, sel.Account.ID)
	}
}

func TestExcludeSkipsAccount(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	a := addAccount(t, st, "a@example.com", 0.9)
	b := addAccount(t, st, "b@example.com", 0.8)

	sel, err := p.GetNextAccount(context.Background(), "gemini-3-flash",
		map[int64]bool{a.ID: true})
	require.NoError(t, err)
	require.Equal(t, b.ID, sel.Account.ID)
}

func TestTokenFailureFallsThroughToNextAccount(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	a := addAccount(t, st, "a@example.com", 0.9)
	b := addAccount(t, st, "b@example.com", 0.8)
	p.tokens = &fakeTokens{fail: map[int64]error{a.ID: fmt.Errorf("invalid_grant")}}

	sel, err := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.NoError(t, err)
	require.Equal(t, b.ID, sel.Account.ID)
}

func TestErrorThresholdDisablesAccount(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	a := addAccount(t, st, "a@example.com", 0.9)

	p.MarkAccountError(a.ID, "upstream 500")
	p.MarkAccountError(a.ID, "upstream 500")
	got, err := st.GetAccount(a.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusActive, got.Status)

	p.MarkAccountError(a.ID, "upstream 500")
	got, err = st.GetAccount(a.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusError, got.Status)

	// Disabled accounts disappear from selection.
	_, serr := p.GetNextAccount(context.Background(), "gemini-3-flash", nil)
	require.Error(t, serr)
	require.Contains(t, serr.Error(), "No active accounts available")
}

func TestGroupRoutingOverview(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	a := addAccount(t, st, "a@example.com", 0.9)
	p.MarkAccountSuccess(a.ID, "group:flash")

	overview, err := p.GroupRoutingOverview()
	require.NoError(t, err)
	require.Len(t, overview, 4)

	var flash *GroupOverview
	for i := range overview {
		if overview[i].Group == "flash" {
			flash = &overview[i]
		}
	}
	require.NotNil(t, flash)
	require.Equal(t, 0.25, flash.Threshold)
	require.Len(t, flash.Accounts, 1)
	require.True(t, flash.Accounts[0].Sticky)
	require.Equal(t, 0.9, flash.Accounts[0].QuotaRemaining)
}

func TestAvailableAccountCount(t *testing.T) {
	p, st := newTestPool(t, testConfig(), nil)
	a := addAccount(t, st, "a@example.com", 0.9)
	addAccount(t, st, "b@example.com", 0.8)
	addAccount(t, st, "drained@example.com", 0.05)

	require.Equal(t, 2, p.AvailableAccountCount("gemini-3-flash"))

	base := time.Now()
	p.now = func() time.Time { return base }
	p.MarkCapacityLimited(a.ID, "group:flash", apierr.New(429, "capacity", "", "Resource has been exhausted"))
	require.Equal(t, 1, p.AvailableAccountCount("gemini-3-flash"))
}
