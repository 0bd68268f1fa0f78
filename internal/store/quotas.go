package store

import (
	"database/sql"
	"strings"
	"time"
)

// ModelQuota is one per-model remaining-fraction row.
type ModelQuota struct {
	AccountID      int64         `json:"account_id"`
	Model          string        `json:"model"`
	QuotaRemaining float64       `json:"quota_remaining"`
	QuotaResetTime sql.NullInt64 `json:"-"`
	UpdatedAt      int64         `json:"updated_at"`
}

// Candidate is an account paired with the quota standing used to rank it.
type Candidate struct {
	Account        *Account
	QuotaRemaining float64
	QuotaResetTime sql.NullInt64
}

// UpsertModelQuota writes the latest remaining fraction for (account, model).
func (s *Store) UpsertModelQuota(accountID int64, model string, remaining float64, resetTime sql.NullInt64) error {
	_, err := s.db.Exec(`INSERT INTO account_model_quotas
		(account_id, model, quota_remaining, quota_reset_time, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, model) DO UPDATE SET
			quota_remaining = excluded.quota_remaining,
			quota_reset_time = excluded.quota_reset_time,
			updated_at = excluded.updated_at`,
		accountID, model, remaining, resetTime, time.Now().Unix())
	return err
}

// ListModelQuotas returns all quota rows for one account.
func (s *Store) ListModelQuotas(accountID int64) ([]ModelQuota, error) {
	rows, err := s.db.Query(`SELECT account_id, model, quota_remaining, quota_reset_time, updated_at
		FROM account_model_quotas WHERE account_id = ? ORDER BY model`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ModelQuota
	for rows.Next() {
		var q ModelQuota
		if err := rows.Scan(&q.AccountID, &q.Model, &q.QuotaRemaining, &q.QuotaResetTime, &q.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// GetActiveAccounts returns active candidates for a selection key, ordered
// quota DESC then last_used_at ASC.
//
// 选择键以 "group:" 开头时按组代表模型做内连接：没有配额行的账号被排除,
// 避免把未同步的账号当成满配额。裸模型键用 LEFT JOIN, 缺行时回退到账号的
// 聚合配额。
func (s *Store) GetActiveAccounts(selectionKey, repModel string, minQuota float64) ([]Candidate, error) {
	grouped := strings.HasPrefix(selectionKey, "group:")

	var query string
	if grouped {
		query = `SELECT ` + accountColumns + `, q.quota_remaining, q.quota_reset_time
			FROM accounts
			JOIN account_model_quotas q
				ON q.account_id = accounts.id AND q.model = ?
			WHERE accounts.status = 'active' AND q.quota_remaining >= ?
			ORDER BY q.quota_remaining DESC, accounts.last_used_at ASC, accounts.id ASC`
	} else {
		query = `SELECT ` + accountColumns + `,
				COALESCE(q.quota_remaining, accounts.quota_remaining),
				COALESCE(q.quota_reset_time, accounts.quota_reset_time)
			FROM accounts
			LEFT JOIN account_model_quotas q
				ON q.account_id = accounts.id AND q.model = ?
			WHERE accounts.status = 'active'
				AND COALESCE(q.quota_remaining, accounts.quota_remaining) >= ?
			ORDER BY COALESCE(q.quota_remaining, accounts.quota_remaining) DESC,
				accounts.last_used_at ASC, accounts.id ASC`
	}

	rows, err := s.db.Query(query, repModel, minQuota)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var a Account
		var c Candidate
		err := rows.Scan(&a.ID, &a.Email, &a.RefreshToken, &a.AccessToken, &a.TokenExpiresAt,
			&a.ProjectID, &a.Tier, &a.InstanceID, &a.DeviceFingerprint, &a.SessionID,
			&a.Status, &a.ErrorCount, &a.LastError, &a.LastUsedAt, &a.QuotaRemaining, &a.QuotaResetTime, &a.CreatedAt,
			&c.QuotaRemaining, &c.QuotaResetTime)
		if err != nil {
			return nil, err
		}
		c.Account = &a
		out = append(out, c)
	}
	return out, rows.Err()
}

// GroupQuotaSnapshot is the per-account view the routing overview endpoint
// renders for one quota group.
type GroupQuotaSnapshot struct {
	AccountID      int64
	Email          string
	Status         string
	QuotaRemaining float64
	QuotaResetTime sql.NullInt64
	LastUsedAt     int64
}

// GroupQuotaOverview lists every account's standing against the group's
// representative model, drained and disabled accounts included.
func (s *Store) GroupQuotaOverview(repModel string) ([]GroupQuotaSnapshot, error) {
	rows, err := s.db.Query(`SELECT accounts.id, COALESCE(accounts.email, ''), accounts.status,
			COALESCE(q.quota_remaining, 0), q.quota_reset_time, accounts.last_used_at
		FROM accounts
		LEFT JOIN account_model_quotas q
			ON q.account_id = accounts.id AND q.model = ?
		ORDER BY COALESCE(q.quota_remaining, 0) DESC, accounts.last_used_at ASC`, repModel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GroupQuotaSnapshot
	for rows.Next() {
		var g GroupQuotaSnapshot
		if err := rows.Scan(&g.AccountID, &g.Email, &g.Status, &g.QuotaRemaining, &g.QuotaResetTime, &g.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
