// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// SchemaVersion is the schema version the code expects after all
// migrations have been applied.
const SchemaVersion = 1

// migration is one versioned schema step, applied in a transaction and
// recorded in the schema_migrations ledger.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are embedded rather than read from disk so a binary is
// always paired with the schema it expects.
var migrations = []migration{
	{
		Version:     1,
		Description: "initial_schema",
		SQL: `
CREATE TABLE leads (
	id TEXT PRIMARY KEY,
	fields TEXT NOT NULL DEFAULT '{}',
	local_version INTEGER NOT NULL DEFAULT 0,
	remote_version TEXT NOT NULL DEFAULT '',
	remote_snapshot TEXT NOT NULL DEFAULT '{}',
	sync_state TEXT NOT NULL DEFAULT 'clean'
		CHECK(sync_state IN ('clean', 'dirty', 'pushing', 'conflict')),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX idx_leads_sync_state ON leads(sync_state);

CREATE TABLE pending_changes (
	id TEXT PRIMARY KEY,
	record_id TEXT NOT NULL,
	change_type TEXT NOT NULL CHECK(change_type IN ('upsert', 'field_update')),
	payload TEXT NOT NULL DEFAULT '{}',
	payload_rev INTEGER NOT NULL DEFAULT 1,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK(status IN ('pending', 'pushing', 'failed')),
	last_error TEXT NOT NULL DEFAULT '',
	remote_id TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

-- One non-terminal entry per record; coalescing depends on it.
CREATE UNIQUE INDEX idx_pending_changes_active
	ON pending_changes(record_id) WHERE status IN ('pending', 'pushing');
CREATE INDEX idx_pending_changes_ready
	ON pending_changes(status, next_attempt_at);

CREATE TABLE cache_meta (
	id INTEGER PRIMARY KEY CHECK(id = 1),
	last_full_pull_at INTEGER NOT NULL DEFAULT 0,
	last_incremental_pull_at INTEGER NOT NULL DEFAULT 0,
	schema_version INTEGER NOT NULL
);

INSERT INTO cache_meta (id, last_full_pull_at, last_incremental_pull_at, schema_version)
VALUES (1, 0, 0, 1);
`,
	},
}

// Migration records one applied schema step.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// Migrator applies embedded schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations ledger if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query("SELECT version, applied_at, description, checksum FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applied []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(appliedAt, 0)
		applied = append(applied, mig)
	}
	return applied, rows.Err()
}

// Up applies all pending migrations and verifies the checksum of every
// already-applied one against the embedded SQL.
func (m *Migrator) Up() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations ledger: %w", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}
	appliedByVersion := make(map[int]Migration)
	for _, mig := range applied {
		appliedByVersion[mig.Version] = mig
	}

	for _, mig := range migrations {
		if prev, ok := appliedByVersion[mig.Version]; ok {
			if prev.Checksum != checksum(mig.SQL) {
				return fmt.Errorf("migration V%d checksum mismatch: database was migrated by a different build", mig.Version)
			}
			continue
		}

		if err := m.applyMigration(mig); err != nil {
			return fmt.Errorf("failed to apply migration V%d: %w", mig.Version, err)
		}
	}

	return nil
}

// applyMigration applies a single migration in one transaction.
func (m *Migrator) applyMigration(mig migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, ?, ?, ?)`
	if _, err := tx.Exec(query, mig.Version, time.Now().Unix(), mig.Description, checksum(mig.SQL)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

func checksum(sqlText string) string {
	hash := sha256.Sum256([]byte(sqlText))
	return hex.EncodeToString(hash[:])
}
