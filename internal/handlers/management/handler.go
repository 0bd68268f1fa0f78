package management

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"ag2api-go/internal/config"
	"ag2api-go/internal/models"
	"ag2api-go/internal/pool"
	"ag2api-go/internal/store"
	"ag2api-go/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// AccountScheduler is the slice of the camouflage service the admin surface
// drives when accounts come and go.
type AccountScheduler interface {
	StartAccount(acct *store.Account)
	StopAccount(accountID int64)
}

// Handler serves the admin API.
type Handler struct {
	cfg    *config.Config
	st     *store.Store
	tokens *token.Manager
	pool   *pool.Pool
	camo   AccountScheduler
}

func New(cfg *config.Config, st *store.Store, tokens *token.Manager, p *pool.Pool, camo AccountScheduler) *Handler {
	return &Handler{cfg: cfg, st: st, tokens: tokens, pool: p, camo: camo}
}

// accountView is an account with credentials stripped.
type accountView struct {
	ID             int64              `json:"id"`
	Email          string             `json:"email"`
	ProjectID      string             `json:"project_id,omitempty"`
	Tier           string             `json:"tier,omitempty"`
	Status         string             `json:"status"`
	ErrorCount     int                `json:"error_count"`
	LastError      string             `json:"last_error,omitempty"`
	LastUsedAt     int64              `json:"last_used_at,omitempty"`
	QuotaRemaining float64            `json:"quota_remaining"`
	QuotaResetTime int64              `json:"quota_reset_time,omitempty"`
	CreatedAt      int64              `json:"created_at"`
	ModelQuotas    []store.ModelQuota `json:"model_quotas,omitempty"`
}

func (h *Handler) view(a *store.Account, withQuotas bool) accountView {
	v := accountView{
		ID:             a.ID,
		Email:          a.Email,
		ProjectID:      a.ProjectID,
		Tier:           a.Tier,
		Status:         a.Status,
		ErrorCount:     a.ErrorCount,
		LastError:      a.LastError,
		LastUsedAt:     a.LastUsedAt,
		QuotaRemaining: a.QuotaRemaining,
		CreatedAt:      a.CreatedAt,
	}
	if a.QuotaResetTime.Valid {
		v.QuotaResetTime = a.QuotaResetTime.Int64
	}
	if withQuotas {
		if quotas, err := h.st.ListModelQuotas(a.ID); err == nil {
			v.ModelQuotas = quotas
		}
	}
	return v
}

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": msg})
}

func accountID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(c, http.StatusBadRequest, "invalid account id")
		return 0, false
	}
	return id, true
}

// ListAccounts serves GET /api/accounts.
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.st.ListAccounts()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, h.view(a, true))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// CreateAccount serves POST /api/accounts: registers an account directly from
// a refresh token and primes it in the background.
func (h *Handler) CreateAccount(c *gin.Context) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.RefreshToken == "" {
		fail(c, http.StatusBadRequest, "refresh_token is required")
		return
	}

	acct := &store.Account{RefreshToken: body.RefreshToken}
	if err := h.st.CreateAccount(acct); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	h.primeAccount(acct)
	c.JSON(http.StatusCreated, gin.H{"account": h.view(acct, false)})
}

// primeAccount refreshes, onboards and quota-syncs a new account off the
// request path, then hands it to the camouflage schedulers.
func (h *Handler) primeAccount(acct *store.Account) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		accessToken, err := h.tokens.EnsureValidToken(ctx, acct)
		if err != nil {
			log.WithField("account_id", acct.ID).WithError(err).Warn("new account token refresh failed")
			return
		}
		if acct.ProjectID == "" {
			if _, err := h.tokens.FetchProjectID(ctx, acct, accessToken); err != nil {
				log.WithField("account_id", acct.ID).WithError(err).Warn("project onboarding failed")
			}
		}
		if err := h.tokens.SyncQuota(ctx, acct, accessToken); err != nil {
			log.WithField("account_id", acct.ID).WithError(err).Debug("initial quota sync failed")
		}
		if h.camo != nil {
			h.camo.StartAccount(acct)
		}
	}()
}

// DeleteAccount serves DELETE /api/accounts/:id.
func (h *Handler) DeleteAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if h.camo != nil {
		h.camo.StopAccount(id)
	}
	if err := h.st.DeleteAccount(id); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// EnableAccount serves POST /api/accounts/:id/enable.
func (h *Handler) EnableAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := h.st.UpdateStatus(id, store.StatusActive, ""); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.st.ResetErrorCount(id); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if h.camo != nil {
		if acct, err := h.st.GetAccount(id); err == nil && acct != nil {
			h.camo.StartAccount(acct)
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": store.StatusActive})
}

// DisableAccount serves POST /api/accounts/:id/disable.
func (h *Handler) DisableAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := h.st.UpdateStatus(id, store.StatusDisabled, "disabled by operator"); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if h.camo != nil {
		h.camo.StopAccount(id)
	}
	c.JSON(http.StatusOK, gin.H{"status": store.StatusDisabled})
}

// RefreshAccount serves POST /api/accounts/:id/refresh: forces a token
// refresh regardless of expiry.
func (h *Handler) RefreshAccount(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	acct, err := h.st.GetAccount(id)
	if err != nil || acct == nil {
		fail(c, http.StatusNotFound, "account not found")
		return
	}
	if _, err := h.tokens.ForceRefresh(c.Request.Context(), acct); err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": h.view(acct, false)})
}

// OAuthURL serves GET /api/oauth/url.
func (h *Handler) OAuthURL(c *gin.Context) {
	redirectURI := c.Query("redirect_uri")
	if redirectURI == "" {
		redirectURI = "http://localhost:" + strconv.Itoa(h.cfg.Port) + "/api/oauth/callback"
	}
	state := uuid.NewString()
	c.JSON(http.StatusOK, gin.H{
		"url":   h.tokens.AuthorizationURL(redirectURI, state),
		"state": state,
	})
}

// OAuthExchange serves POST /api/oauth/exchange: swaps an authorization code
// for a pooled account.
func (h *Handler) OAuthExchange(c *gin.Context) {
	var body struct {
		Code        string `json:"code"`
		RedirectURI string `json:"redirect_uri"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Code == "" {
		fail(c, http.StatusBadRequest, "code is required")
		return
	}
	if body.RedirectURI == "" {
		body.RedirectURI = "http://localhost:" + strconv.Itoa(h.cfg.Port) + "/api/oauth/callback"
	}
	acct, err := h.tokens.ExchangeCode(c.Request.Context(), body.Code, body.RedirectURI)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	h.primeAccount(acct)
	c.JSON(http.StatusOK, gin.H{"account": h.view(acct, false)})
}

// SyncAccountQuota serves POST /api/accounts/:id/quota/sync.
func (h *Handler) SyncAccountQuota(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	acct, err := h.st.GetAccount(id)
	if err != nil || acct == nil {
		fail(c, http.StatusNotFound, "account not found")
		return
	}
	accessToken, err := h.tokens.EnsureValidToken(c.Request.Context(), acct)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	if err := h.tokens.SyncQuota(c.Request.Context(), acct, accessToken); err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": h.view(acct, true)})
}

// SyncAllQuotas serves POST /api/quota/sync. Accounts are synced serially;
// failures are reported per account, not fatal.
func (h *Handler) SyncAllQuotas(c *gin.Context) {
	accounts, err := h.st.ListAccounts()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	results := make(map[string]string, len(accounts))
	for _, acct := range accounts {
		if acct.Status != store.StatusActive {
			continue
		}
		key := strconv.FormatInt(acct.ID, 10)
		accessToken, err := h.tokens.EnsureValidToken(c.Request.Context(), acct)
		if err == nil {
			err = h.tokens.SyncQuota(c.Request.Context(), acct, accessToken)
		}
		if err != nil {
			results[key] = err.Error()
		} else {
			results[key] = "ok"
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Logs serves GET /api/logs with optional request_id and limit filters.
func (h *Handler) Logs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	attempts, err := h.st.ListAttempts(c.Query("request_id"), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	type attemptView struct {
		store.Attempt
		AccountID int64 `json:"account_id,omitempty"`
	}
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		v := attemptView{Attempt: a}
		if a.AccountID.Valid {
			v.AccountID = a.AccountID.Int64
		}
		out = append(out, v)
	}
	c.JSON(http.StatusOK, gin.H{"attempts": out})
}

// Routing serves GET /api/routing: the live per-group pool view.
func (h *Handler) Routing(c *gin.Context) {
	overview, err := h.pool.GroupRoutingOverview()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": overview})
}

// GetSettings serves GET /api/settings: effective per-group thresholds.
func (h *Handler) GetSettings(c *gin.Context) {
	thresholds := make(map[string]float64, 4)
	for _, g := range []models.QuotaGroup{models.GroupFlash, models.GroupPro, models.GroupClaude, models.GroupImage} {
		v, err := h.st.GroupThreshold(string(g), h.cfg.ThresholdFor(string(g)))
		if err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		thresholds[string(g)] = v
	}
	c.JSON(http.StatusOK, gin.H{"group_thresholds": thresholds})
}

// PutSettings serves PUT /api/settings: persists per-group thresholds.
func (h *Handler) PutSettings(c *gin.Context) {
	var body struct {
		GroupThresholds map[string]float64 `json:"group_thresholds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	for group, v := range body.GroupThresholds {
		if models.GroupRepresentative(models.QuotaGroup(group)) == "" {
			fail(c, http.StatusBadRequest, "unknown group: "+group)
			return
		}
		if v < 0 || v > 1 {
			fail(c, http.StatusBadRequest, "threshold out of range for "+group)
			return
		}
		if err := h.st.SetGroupThreshold(group, v); err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	h.GetSettings(c)
}

// ListAPIKeys serves GET /api/keys.
func (h *Handler) ListAPIKeys(c *gin.Context) {
	keys, err := h.st.ListAPIKeys()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// CreateAPIKey serves POST /api/keys. Omitting the key generates one.
func (h *Handler) CreateAPIKey(c *gin.Context) {
	var body struct {
		Key   string `json:"key"`
		Label string `json:"label"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if body.Key == "" {
		body.Key = "sk-" + uuid.NewString()
	}
	key, err := h.st.CreateAPIKey(body.Key, body.Label)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key})
}

// DeleteAPIKey serves DELETE /api/keys/:id.
func (h *Handler) DeleteAPIKey(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if err := h.st.DeleteAPIKey(id); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
