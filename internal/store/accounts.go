package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account statuses. "error" is terminal until the refresh token is replaced;
// "disabled" is operator set.
const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
	StatusError    = "error"
)

// Account is one pooled Google identity.
type Account struct {
	ID                int64
	Email             string
	RefreshToken      string
	AccessToken       string
	TokenExpiresAt    int64
	ProjectID         string
	Tier              string
	InstanceID        string
	DeviceFingerprint string
	SessionID         string
	Status            string
	ErrorCount        int
	LastError         string
	LastUsedAt        int64
	QuotaRemaining    float64
	QuotaResetTime    sql.NullInt64
	CreatedAt         int64
}

// Columns are table-qualified so the list stays valid inside joins against
// account_model_quotas, which carries its own id.
const accountColumns = `accounts.id, COALESCE(accounts.email, ''), accounts.refresh_token,
	accounts.access_token, accounts.token_expires_at,
	accounts.project_id, accounts.tier, accounts.instance_id, accounts.device_fingerprint,
	accounts.session_id, accounts.status, accounts.error_count, accounts.last_error,
	accounts.last_used_at, accounts.quota_remaining, accounts.quota_reset_time, accounts.created_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.RefreshToken, &a.AccessToken, &a.TokenExpiresAt,
		&a.ProjectID, &a.Tier, &a.InstanceID, &a.DeviceFingerprint, &a.SessionID,
		&a.Status, &a.ErrorCount, &a.LastError, &a.LastUsedAt, &a.QuotaRemaining, &a.QuotaResetTime, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts a new account from its refresh token. Email, project
// and tier are usually filled in later by the first token refresh.
func (s *Store) CreateAccount(a *Account) error {
	if a.Status == "" {
		a.Status = StatusActive
	}
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	if a.QuotaRemaining == 0 {
		a.QuotaRemaining = 1.0
	}
	// Stable per-account identity presented to upstream.
	if a.InstanceID == "" {
		a.InstanceID = NewInstanceID()
	}
	if a.DeviceFingerprint == "" {
		a.DeviceFingerprint = uuid.NewString()
	}
	if a.SessionID == "" {
		a.SessionID = NewSessionID()
	}
	res, err := s.db.Exec(`INSERT INTO accounts
		(email, refresh_token, access_token, token_expires_at, project_id, tier,
		 instance_id, device_fingerprint, session_id, status, quota_remaining, created_at)
		VALUES (NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Email, a.RefreshToken, a.AccessToken, a.TokenExpiresAt, a.ProjectID, a.Tier,
		a.InstanceID, a.DeviceFingerprint, a.SessionID, a.Status, a.QuotaRemaining, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

// GetAccount returns the account by id, or nil when absent.
func (s *Store) GetAccount(id int64) (*Account, error) {
	a, err := scanAccount(s.db.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetAccountByEmail returns the account by email, or nil when absent.
func (s *Store) GetAccountByEmail(email string) (*Account, error) {
	a, err := scanAccount(s.db.QueryRow(
		`SELECT `+accountColumns+` FROM accounts WHERE email = ?`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListAccounts returns every account ordered by creation time.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateTokens stores a refreshed access token, and the identity fields the
// refresh discovered, without touching status or counters.
func (s *Store) UpdateTokens(id int64, accessToken string, expiresAt int64, email, projectID, tier string) error {
	_, err := s.db.Exec(`UPDATE accounts SET
		access_token = ?,
		token_expires_at = ?,
		email = COALESCE(NULLIF(?, ''), email),
		project_id = CASE WHEN ? != '' THEN ? ELSE project_id END,
		tier = CASE WHEN ? != '' THEN ? ELSE tier END
		WHERE id = ?`,
		accessToken, expiresAt, email, projectID, projectID, tier, tier, id)
	return err
}

// ReplaceRefreshToken swaps an account's grant after a re-authorization.
func (s *Store) ReplaceRefreshToken(id int64, refreshToken, accessToken string, expiresAt int64) error {
	_, err := s.db.Exec(`UPDATE accounts SET refresh_token = ?, access_token = ?, token_expires_at = ? WHERE id = ?`,
		refreshToken, accessToken, expiresAt, id)
	return err
}

// UpdateStatus sets the account status and last error text. Moving back to
// active clears the error counter.
func (s *Store) UpdateStatus(id int64, status, lastError string) error {
	_, err := s.db.Exec(`UPDATE accounts SET
		status = ?,
		last_error = ?,
		error_count = CASE WHEN ? = 'active' THEN 0 ELSE error_count END
		WHERE id = ?`,
		status, lastError, status, id)
	return err
}

// BumpErrorCount increments the consecutive error counter and returns the new
// value so the caller can apply its disable threshold.
func (s *Store) BumpErrorCount(id int64, lastError string) (int, error) {
	if _, err := s.db.Exec(`UPDATE accounts SET error_count = error_count + 1, last_error = ? WHERE id = ?`,
		lastError, id); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRow(`SELECT error_count FROM accounts WHERE id = ?`, id).Scan(&n)
	return n, err
}

// ResetErrorCount zeroes the consecutive error counter after a success.
func (s *Store) ResetErrorCount(id int64) error {
	_, err := s.db.Exec(`UPDATE accounts SET error_count = 0, last_error = '' WHERE id = ?`, id)
	return err
}

// TouchLastUsed records the selection time driving least-recently-used order.
func (s *Store) TouchLastUsed(id int64, at time.Time) error {
	_, err := s.db.Exec(`UPDATE accounts SET last_used_at = ? WHERE id = ?`, at.Unix(), id)
	return err
}

// UpdateAggregateQuota stores the minimum remaining fraction across the
// account's non-image quota rows.
func (s *Store) UpdateAggregateQuota(id int64, remaining float64, resetTime sql.NullInt64) error {
	_, err := s.db.Exec(`UPDATE accounts SET quota_remaining = ?, quota_reset_time = ? WHERE id = ?`,
		remaining, resetTime, id)
	return err
}

// UpdateSession persists the camouflage identity trio for an account.
func (s *Store) UpdateSession(id int64, instanceID, deviceFingerprint, sessionID string) error {
	_, err := s.db.Exec(`UPDATE accounts SET instance_id = ?, device_fingerprint = ?, session_id = ? WHERE id = ?`,
		instanceID, deviceFingerprint, sessionID, id)
	return err
}

// DeleteAccount removes the account; quota rows cascade, attempt logs keep
// their rows with account_id set NULL so request history stays auditable.
func (s *Store) DeleteAccount(id int64) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	return err
}
