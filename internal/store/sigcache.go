package store

import (
	"database/sql"
	"time"
)

// Signature kinds for the persisted cache tier.
const (
	SigKindGemini = "gemini"
	SigKindClaude = "claude"
)

// SavedSignature is one persisted thought-signature row.
type SavedSignature struct {
	Kind        string
	ToolCallID  string
	Signature   string
	ThoughtText string
	SavedAt     int64
}

// SaveSignature writes or replaces the signature row for (kind, tool call).
func (s *Store) SaveSignature(kind, toolCallID, signature, thoughtText string) error {
	_, err := s.db.Exec(`INSERT INTO signature_cache (kind, tool_call_id, signature, thought_text, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind, tool_call_id) DO UPDATE SET
			signature = excluded.signature,
			thought_text = excluded.thought_text,
			saved_at = excluded.saved_at`,
		kind, toolCallID, signature, thoughtText, time.Now().Unix())
	return err
}

// GetSignature reads one row, returning nil when absent or older than ttl.
func (s *Store) GetSignature(kind, toolCallID string, ttl time.Duration) (*SavedSignature, error) {
	var row SavedSignature
	err := s.db.QueryRow(`SELECT kind, tool_call_id, signature, thought_text, saved_at
		FROM signature_cache WHERE kind = ? AND tool_call_id = ?`, kind, toolCallID).
		Scan(&row.Kind, &row.ToolCallID, &row.Signature, &row.ThoughtText, &row.SavedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ttl > 0 && time.Since(time.Unix(row.SavedAt, 0)) > ttl {
		return nil, nil
	}
	return &row, nil
}

// PurgeSignaturesBefore removes rows saved before the cutoff.
func (s *Store) PurgeSignaturesBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM signature_cache WHERE saved_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
