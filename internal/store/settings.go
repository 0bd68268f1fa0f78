package store

import (
	"database/sql"
	"strconv"
	"time"
)

// GetSetting returns the value for key, or "" when unset.
func (s *Store) GetSetting(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetSetting writes a key/value pair.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

// GroupThreshold returns the persisted quota threshold override for a group,
// falling back to def when unset or unparsable. Keys are
// "group_threshold_<group>".
func (s *Store) GroupThreshold(group string, def float64) (float64, error) {
	v, err := s.GetSetting("group_threshold_" + group)
	if err != nil || v == "" {
		return def, err
	}
	f, perr := strconv.ParseFloat(v, 64)
	if perr != nil {
		return def, nil
	}
	return f, nil
}

// SetGroupThreshold persists a quota threshold override for a group.
func (s *Store) SetGroupThreshold(group string, value float64) error {
	return s.SetSetting("group_threshold_"+group, strconv.FormatFloat(value, 'f', -1, 64))
}
