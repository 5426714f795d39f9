package store

import (
	"fmt"

	zlog "github.com/rs/zerolog/log"
)

// Migration represents a database schema migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of all migrations
// New migrations should be appended to the end with incrementing version numbers
var migrations = []Migration{
	{
		Version:     1,
		Description: "Matches",
		SQL: `
		CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			invite_code TEXT NOT NULL,
			creator_wallet TEXT NOT NULL,
			opponent_wallet TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL,
			start_time INTEGER,
			end_time INTEGER,
			creator_asset TEXT NOT NULL DEFAULT '',
			opponent_asset TEXT NOT NULL DEFAULT '',
			creator_start_price TEXT,
			creator_end_price TEXT,
			opponent_start_price TEXT,
			opponent_end_price TEXT,
			winner_wallet TEXT NOT NULL DEFAULT '',
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			CHECK (opponent_wallet <> creator_wallet)
		);

		-- An invite code belongs to at most one open match
		CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_open_invite
			ON matches(invite_code) WHERE status NOT IN ('finished', 'cancelled');
		CREATE INDEX IF NOT EXISTS idx_matches_invite ON matches(invite_code, created_at);
		CREATE INDEX IF NOT EXISTS idx_matches_status_updated ON matches(status, updated_at);
		CREATE INDEX IF NOT EXISTS idx_matches_status_end ON matches(status, end_time);
		`,
	},
	{
		Version:     2,
		Description: "API keys",
		SQL: `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			key_hash TEXT NOT NULL,
			revoked INTEGER NOT NULL DEFAULT 0,
			last_used_at INTEGER,
			created_at INTEGER NOT NULL
		);
		`,
	},
}

// initMigrationsTable creates the migrations tracking table
func (s *Store) initMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// getCurrentVersion returns the highest applied migration version
func (s *Store) getCurrentVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrate runs all pending migrations
func (s *Store) Migrate() error {
	if err := s.initMigrationsTable(); err != nil {
		return fmt.Errorf("failed to init migrations table: %w", err)
	}

	currentVersion, err := s.getCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		if err := s.applyMigration(m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		zlog.Info().Str("component", "store").Int("version", m.Version).Str("description", m.Description).Msg("applied migration")
	}

	return nil
}

// applyMigration runs a single migration in a transaction
func (s *Store) applyMigration(m Migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return err
	}

	return tx.Commit()
}

// MigrationStatus returns applied and pending migrations
func (s *Store) MigrationStatus() (applied []int, pending []int, err error) {
	if err := s.initMigrationsTable(); err != nil {
		return nil, nil, err
	}

	rows, err := s.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	appliedSet := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, nil, err
		}
		applied = append(applied, v)
		appliedSet[v] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, m := range migrations {
		if !appliedSet[m.Version] {
			pending = append(pending, m.Version)
		}
	}

	return applied, pending, nil
}
