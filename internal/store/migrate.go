package store

import (
	"fmt"
)

// migrate applies the additive schema. Every statement is idempotent; column
// additions are guarded by presence checks so re-running on any older file is
// safe. The single destructive path is the email NOT-NULL removal, which
// rebuilds the accounts table in a transaction.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE,
			refresh_token TEXT NOT NULL,
			access_token TEXT DEFAULT '',
			token_expires_at INTEGER DEFAULT 0,
			project_id TEXT DEFAULT '',
			tier TEXT DEFAULT '',
			instance_id TEXT DEFAULT '',
			device_fingerprint TEXT DEFAULT '',
			session_id TEXT DEFAULT '',
			status TEXT DEFAULT 'active',
			error_count INTEGER DEFAULT 0,
			last_error TEXT DEFAULT '',
			last_used_at INTEGER DEFAULT 0,
			quota_remaining REAL DEFAULT 1.0,
			quota_reset_time INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS account_model_quotas (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			model TEXT NOT NULL,
			quota_remaining REAL DEFAULT 0,
			quota_reset_time INTEGER,
			updated_at INTEGER NOT NULL,
			UNIQUE(account_id, model)
		)`,
		`CREATE TABLE IF NOT EXISTS request_attempt_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			account_id INTEGER REFERENCES accounts(id) ON DELETE SET NULL,
			model TEXT NOT NULL,
			attempt_no INTEGER NOT NULL,
			account_attempt INTEGER NOT NULL,
			same_retry INTEGER NOT NULL,
			status TEXT NOT NULL,
			latency_ms INTEGER DEFAULT 0,
			error_message TEXT DEFAULT '',
			started_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_request ON request_attempt_logs(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_created ON request_attempt_logs(created_at)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT UNIQUE NOT NULL,
			label TEXT DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signature_cache (
			kind TEXT NOT NULL,
			tool_call_id TEXT NOT NULL,
			signature TEXT NOT NULL,
			thought_text TEXT DEFAULT '',
			saved_at INTEGER NOT NULL,
			PRIMARY KEY (kind, tool_call_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	// Additive columns for files created by earlier releases.
	addColumns := map[string]string{
		"device_fingerprint": "ALTER TABLE accounts ADD COLUMN device_fingerprint TEXT DEFAULT ''",
		"session_id":         "ALTER TABLE accounts ADD COLUMN session_id TEXT DEFAULT ''",
		"tier":               "ALTER TABLE accounts ADD COLUMN tier TEXT DEFAULT ''",
	}
	for col, stmt := range addColumns {
		has, err := s.hasColumn("accounts", col)
		if err != nil {
			return err
		}
		if !has {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("migrate add %s: %w", col, err)
			}
		}
	}

	return s.relaxEmailNotNull()
}

func (s *Store) hasColumn(table, column string) (bool, error) {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// relaxEmailNotNull rebuilds the accounts table when a legacy file still has
// NOT NULL on email. Accounts are created before their email is known, so the
// constraint has to go. SQLite cannot drop a constraint in place; the table is
// copied with foreign keys disabled for the duration of the transaction.
func (s *Store) relaxEmailNotNull() error {
	var notNull bool
	rows, err := s.db.Query(`SELECT "notnull" FROM pragma_table_info('accounts') WHERE name = 'email'`)
	if err != nil {
		return err
	}
	for rows.Next() {
		if err := rows.Scan(&notNull); err != nil {
			rows.Close()
			return err
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if !notNull {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		return err
	}
	defer s.db.Exec("PRAGMA foreign_keys=ON")

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`ALTER TABLE accounts RENAME TO accounts_legacy`,
		`CREATE TABLE accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE,
			refresh_token TEXT NOT NULL,
			access_token TEXT DEFAULT '',
			token_expires_at INTEGER DEFAULT 0,
			project_id TEXT DEFAULT '',
			tier TEXT DEFAULT '',
			instance_id TEXT DEFAULT '',
			device_fingerprint TEXT DEFAULT '',
			session_id TEXT DEFAULT '',
			status TEXT DEFAULT 'active',
			error_count INTEGER DEFAULT 0,
			last_error TEXT DEFAULT '',
			last_used_at INTEGER DEFAULT 0,
			quota_remaining REAL DEFAULT 1.0,
			quota_reset_time INTEGER,
			created_at INTEGER NOT NULL
		)`,
		`INSERT INTO accounts SELECT * FROM accounts_legacy`,
		`DROP TABLE accounts_legacy`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("rebuild accounts: %w", err)
		}
	}
	return tx.Commit()
}
