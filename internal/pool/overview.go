package pool

import (
	"time"

	"ag2api-go/internal/models"
	"ag2api-go/internal/store"
)

// AccountRouting is one account's standing inside a group overview.
type AccountRouting struct {
	AccountID      int64   `json:"account_id"`
	Email          string  `json:"email"`
	Status         string  `json:"status"`
	QuotaRemaining float64 `json:"quota_remaining"`
	QuotaResetTime int64   `json:"quota_reset_time,omitempty"`
	LastUsedAt     int64   `json:"last_used_at,omitempty"`
	ActiveLocks    int     `json:"active_locks,omitempty"`
	CooldownUntil  int64   `json:"cooldown_until,omitempty"`
	CooldownStrike int     `json:"cooldown_strikes,omitempty"`
	Sticky         bool    `json:"sticky,omitempty"`
}

// GroupOverview is the admin view of one quota group's routing state.
type GroupOverview struct {
	Group     string           `json:"group"`
	Threshold float64          `json:"threshold"`
	Accounts  []AccountRouting `json:"accounts"`
}

// GroupRoutingOverview renders the live routing state per quota group:
// quota standing from the store merged with the in-memory sticky, lock and
// cooldown maps.
func (p *Pool) GroupRoutingOverview() ([]GroupOverview, error) {
	groups := []models.QuotaGroup{models.GroupFlash, models.GroupPro, models.GroupClaude, models.GroupImage}

	now := p.now()
	out := make([]GroupOverview, 0, len(groups))
	for _, g := range groups {
		snaps, err := p.st.GroupQuotaOverview(models.GroupRepresentative(g))
		if err != nil {
			return nil, err
		}
		selectionKey := "group:" + string(g)

		p.mu.RLock()
		stickyID := p.sticky[selectionKey]
		accounts := make([]AccountRouting, 0, len(snaps))
		for _, s := range snaps {
			accounts = append(accounts, p.routingRow(s, selectionKey, stickyID, now))
		}
		p.mu.RUnlock()

		out = append(out, GroupOverview{
			Group:     string(g),
			Threshold: p.threshold(g),
			Accounts:  accounts,
		})
	}
	return out, nil
}

// routingRow merges one store snapshot with the in-memory maps. Caller holds
// at least a read lock.
func (p *Pool) routingRow(s store.GroupQuotaSnapshot, selectionKey string, stickyID int64, now time.Time) AccountRouting {
	row := AccountRouting{
		AccountID:      s.AccountID,
		Email:          s.Email,
		Status:         s.Status,
		QuotaRemaining: s.QuotaRemaining,
		LastUsedAt:     s.LastUsedAt,
		ActiveLocks:    p.locks[s.AccountID],
		Sticky:         s.AccountID == stickyID,
	}
	if s.QuotaResetTime.Valid {
		row.QuotaResetTime = s.QuotaResetTime.Int64
	}
	if ce, ok := p.cooldowns[cooldownKey{accountID: s.AccountID, selectionKey: selectionKey}]; ok {
		row.CooldownStrike = ce.strikes
		if ce.until.After(now) {
			row.CooldownUntil = ce.until.Unix()
		}
	}
	return row
}
