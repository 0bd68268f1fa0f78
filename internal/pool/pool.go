package pool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"ag2api-go/internal/config"
	apierr "ag2api-go/internal/errors"
	"ag2api-go/internal/models"
	"ag2api-go/internal/store"
	log "github.com/sirupsen/logrus"
)

// TokenSource yields a valid access token for an account, refreshing if
// needed.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, acct *store.Account) (string, error)
}

// Selection is what GetNextAccount hands to the dispatcher: a locked account
// with a live token plus the routing view that produced it.
type Selection struct {
	Account     *store.Account
	AccessToken string
	Resolution  models.Resolution
}

type cooldownKey struct {
	accountID    int64
	selectionKey string
}

type cooldownEntry struct {
	until   time.Time
	strikes int
}

// Pool routes requests onto accounts. Sticky routing, cooldowns, concurrency
// locks and error counters are in-memory maps under one RWMutex; durable
// state (status, quotas) lives in the store.
type Pool struct {
	cfg    *config.Config
	st     *store.Store
	tokens TokenSource
	now    func() time.Time

	mu        sync.RWMutex
	sticky    map[string]int64
	cooldowns map[cooldownKey]cooldownEntry
	locks     map[int64]int
	errCounts map[int64]int
}

// New builds a pool.
func New(cfg *config.Config, st *store.Store, tokens TokenSource) *Pool {
	return &Pool{
		cfg:       cfg,
		st:        st,
		tokens:    tokens,
		now:       time.Now,
		sticky:    make(map[string]int64),
		cooldowns: make(map[cooldownKey]cooldownEntry),
		locks:     make(map[int64]int),
		errCounts: make(map[int64]int),
	}
}

// threshold returns the group quota floor, preferring the persisted setting
// over env/config defaults.
func (p *Pool) threshold(group models.QuotaGroup) float64 {
	def := p.cfg.ThresholdFor(string(group))
	th, err := p.st.GroupThreshold(string(group), def)
	if err != nil {
		return def
	}
	return th
}

// GetNextAccount 为一次请求挑选并锁定最优账号。
// 流程: 解析模型 → 拉取活跃候选 → 阈值过滤 → 按配额排序 → 粘性账号前置 →
// 跳过排除/超并发/冷却中的账号 → 对幸存者确保令牌有效并加锁。
// 三种失败各自返回不同错误: 无活跃账号、全部低于阈值(带 retryAfterMs 的 429)、
// 全部冷却中(同样 429)或令牌全部失效。
func (p *Pool) GetNextAccount(ctx context.Context, model string, exclude map[int64]bool) (*Selection, error) {
	res, err := models.Resolve(model)
	if err != nil {
		return nil, apierr.New(400, "model_not_found", "", err.Error())
	}
	threshold := p.threshold(res.Group)
	repModel := models.GroupRepresentative(res.Group)

	candidates, err := p.st.GetActiveAccounts(res.SelectionKey, repModel, 0)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, apierr.New(503, "no_accounts", "", "No active accounts available")
	}

	eligible := make([]store.Candidate, 0, len(candidates))
	var earliestReset int64
	for _, c := range candidates {
		if c.QuotaRemaining > threshold {
			eligible = append(eligible, c)
			continue
		}
		if c.QuotaResetTime.Valid && (earliestReset == 0 || c.QuotaResetTime.Int64 < earliestReset) {
			earliestReset = c.QuotaResetTime.Int64
		}
	}
	if len(eligible) == 0 {
		resetIn := int64(0)
		if earliestReset > 0 {
			if d := earliestReset - p.now().Unix(); d > 0 {
				resetIn = d
			}
		}
		e := apierr.New(429, "quota_below_threshold", "",
			fmt.Sprintf("No account above %d%% quota for %s, reset after %ds",
				int(math.Round(threshold*100)), res.Group, resetIn))
		if resetIn > 0 {
			e = e.WithRetryAfter(resetIn * 1000)
		}
		return nil, e
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].QuotaRemaining != eligible[j].QuotaRemaining {
			return eligible[i].QuotaRemaining > eligible[j].QuotaRemaining
		}
		return eligible[i].Account.ID < eligible[j].Account.ID
	})

	// 粘性账号仍然合格时前置, 否则清除粘性。
	p.mu.RLock()
	stickyID, hasSticky := p.sticky[res.SelectionKey]
	p.mu.RUnlock()
	if hasSticky {
		idx := -1
		for i, c := range eligible {
			if c.Account.ID == stickyID {
				idx = i
				break
			}
		}
		if idx > 0 {
			preferred := eligible[idx]
			eligible = append(eligible[:idx], eligible[idx+1:]...)
			eligible = append([]store.Candidate{preferred}, eligible...)
		} else if idx < 0 {
			p.clearSticky(res.SelectionKey, stickyID)
			hasSticky = false
		}
	}

	considered := 0
	cooling := 0
	var earliestCooldown time.Time
	for _, c := range eligible {
		acct := c.Account
		if exclude != nil && exclude[acct.ID] {
			continue
		}
		considered++
		if p.overLock(acct.ID) {
			continue
		}
		if until, cool := p.coolingUntil(acct.ID, res.SelectionKey); cool {
			cooling++
			if earliestCooldown.IsZero() || until.Before(earliestCooldown) {
				earliestCooldown = until
			}
			continue
		}

		tok, terr := p.tokens.EnsureValidToken(ctx, acct)
		if terr != nil {
			log.WithFields(log.Fields{"account_id": acct.ID, "selection_key": res.SelectionKey}).
				WithError(terr).Warn("token refresh failed during selection")
			if hasSticky && acct.ID == stickyID {
				p.clearSticky(res.SelectionKey, stickyID)
			}
			continue
		}

		p.lock(acct.ID)
		p.setSticky(res.SelectionKey, acct.ID)
		if err := p.st.TouchLastUsed(acct.ID, p.now()); err != nil {
			log.WithField("account_id", acct.ID).WithError(err).Debug("last_used update failed")
		}
		return &Selection{Account: acct, AccessToken: tok, Resolution: res}, nil
	}

	if considered > 0 && cooling == considered {
		wait := earliestCooldown.Sub(p.now())
		secs := int(math.Ceil(wait.Seconds())) - 1
		if secs < 0 {
			secs = 0
		}
		e := apierr.New(429, "no_capacity", "",
			fmt.Sprintf("No capacity available, reset after %ds", secs))
		if wait > 0 {
			e = e.WithRetryAfter(wait.Milliseconds())
		}
		return nil, e
	}
	return nil, apierr.New(503, "no_valid_tokens", "", "No available accounts with valid tokens")
}

// AvailableAccountCount reports how many accounts could serve the model right
// now. The retry loop bounds its account switches by it.
func (p *Pool) AvailableAccountCount(model string) int {
	res, err := models.Resolve(model)
	if err != nil {
		return 0
	}
	threshold := p.threshold(res.Group)
	candidates, err := p.st.GetActiveAccounts(res.SelectionKey, models.GroupRepresentative(res.Group), 0)
	if err != nil {
		return 0
	}
	n := 0
	for _, c := range candidates {
		if c.QuotaRemaining <= threshold {
			continue
		}
		if p.overLock(c.Account.ID) {
			continue
		}
		if _, cool := p.coolingUntil(c.Account.ID, res.SelectionKey); cool {
			continue
		}
		n++
	}
	return n
}

func (p *Pool) setSticky(selectionKey string, accountID int64) {
	p.mu.Lock()
	p.sticky[selectionKey] = accountID
	p.mu.Unlock()
}

func (p *Pool) clearSticky(selectionKey string, accountID int64) {
	p.mu.Lock()
	if p.sticky[selectionKey] == accountID {
		delete(p.sticky, selectionKey)
	}
	p.mu.Unlock()
}
