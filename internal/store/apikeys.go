package store

import "time"

// APIKey is one client credential accepted by the ingress auth middleware.
type APIKey struct {
	ID        int64  `json:"id"`
	Key       string `json:"key"`
	Label     string `json:"label,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// CreateAPIKey stores a new client key.
func (s *Store) CreateAPIKey(key, label string) (*APIKey, error) {
	now := time.Now().Unix()
	res, err := s.db.Exec(`INSERT INTO api_keys (key, label, created_at) VALUES (?, ?, ?)`,
		key, label, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &APIKey{ID: id, Key: key, Label: label, CreatedAt: now}, nil
}

// ListAPIKeys returns all stored client keys.
func (s *Store) ListAPIKeys() ([]APIKey, error) {
	rows, err := s.db.Query(`SELECT id, key, label, created_at FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Key, &k.Label, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// HasAPIKey reports whether the key exists.
func (s *Store) HasAPIKey(key string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM api_keys WHERE key = ?`, key).Scan(&n)
	return n > 0, err
}

// DeleteAPIKey removes a client key by id.
func (s *Store) DeleteAPIKey(id int64) error {
	_, err := s.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	return err
}
