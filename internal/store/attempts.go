package store

import (
	"database/sql"
	"time"
)

// Attempt is one upstream call on behalf of a client request. A request with
// retries produces several rows sharing its request_id.
type Attempt struct {
	ID             int64         `json:"id"`
	RequestID      string        `json:"request_id"`
	AccountID      sql.NullInt64 `json:"-"`
	Model          string        `json:"model"`
	AttemptNo      int           `json:"attempt_no"`
	AccountAttempt int           `json:"account_attempt"`
	SameRetry      int           `json:"same_retry"`
	Status         string        `json:"status"`
	LatencyMS      int64         `json:"latency_ms"`
	ErrorMessage   string        `json:"error,omitempty"`
	StartedAt      int64         `json:"started_at"`
	CreatedAt      int64         `json:"created_at"`
}

// InsertAttempt records one upstream attempt outcome.
func (s *Store) InsertAttempt(a *Attempt) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = time.Now().Unix()
	}
	res, err := s.db.Exec(`INSERT INTO request_attempt_logs
		(request_id, account_id, model, attempt_no, account_attempt, same_retry,
		 status, latency_ms, error_message, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RequestID, a.AccountID, a.Model, a.AttemptNo, a.AccountAttempt, a.SameRetry,
		a.Status, a.LatencyMS, a.ErrorMessage, a.StartedAt, a.CreatedAt)
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

// ListAttempts returns recent attempts, newest first, optionally filtered by
// request id.
func (s *Store) ListAttempts(requestID string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, request_id, account_id, model, attempt_no, account_attempt,
			same_retry, status, latency_ms, error_message, started_at, created_at
		FROM request_attempt_logs`
	args := []any{}
	if requestID != "" {
		query += ` WHERE request_id = ?`
		args = append(args, requestID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var a Attempt
		err := rows.Scan(&a.ID, &a.RequestID, &a.AccountID, &a.Model, &a.AttemptNo, &a.AccountAttempt,
			&a.SameRetry, &a.Status, &a.LatencyMS, &a.ErrorMessage, &a.StartedAt, &a.CreatedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PurgeAttemptsBefore deletes attempt rows older than the cutoff and returns
// how many were removed.
func (s *Store) PurgeAttemptsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM request_attempt_logs WHERE created_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
