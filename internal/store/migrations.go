package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Add sessions table for pipeline lifecycle",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add score_history table",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add evaluations table for gateway outcomes",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
	{
		Version:     4,
		Description: "Add decisions hash chain and integrity record",
		Up:          migrationV4Up,
		Down:        migrationV4Down,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    state            TEXT NOT NULL,
    created_ns       INTEGER NOT NULL,
    ended_ns         INTEGER NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT '',
    weights_version  TEXT NOT NULL DEFAULT '',
    last_score       INTEGER,
    updated_ns       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_ns);
CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_sessions_state;
DROP INDEX IF EXISTS idx_sessions_created;
DROP TABLE IF EXISTS sessions;
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS score_history (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id       TEXT NOT NULL,
    score            INTEGER NOT NULL,
    level            TEXT NOT NULL,
    weights_version  TEXT NOT NULL,
    breakdown        TEXT NOT NULL,
    notes            TEXT NOT NULL DEFAULT '[]',
    computed_ns      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scores_session ON score_history(session_id, computed_ns);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_scores_session;
DROP TABLE IF EXISTS score_history;
`

const migrationV3Up = `
CREATE TABLE IF NOT EXISTS evaluations (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    status          TEXT NOT NULL,
    score           INTEGER NOT NULL,
    requested_ns    INTEGER NOT NULL,
    completed_ns    INTEGER NOT NULL DEFAULT 0,
    risk_level      TEXT NOT NULL DEFAULT '',
    flags           TEXT NOT NULL DEFAULT '[]',
    explanation     TEXT NOT NULL DEFAULT '',
    error_kind      TEXT NOT NULL DEFAULT '',
    error_detail    TEXT NOT NULL DEFAULT '',
    decision        TEXT
);

CREATE INDEX IF NOT EXISTS idx_evaluations_session ON evaluations(session_id, requested_ns);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_evaluations_session;
DROP TABLE IF EXISTS evaluations;
`

const migrationV4Up = `
CREATE TABLE IF NOT EXISTS decision_integrity (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    chain_hash      BLOB NOT NULL,
    entry_count     INTEGER NOT NULL DEFAULT 0,
    last_verified   INTEGER,
    hmac            BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp_ns    INTEGER NOT NULL,
    session_id      TEXT NOT NULL DEFAULT '',
    trust_score     REAL NOT NULL,
    risk_level      TEXT NOT NULL,
    flags           TEXT NOT NULL,
    explanation     TEXT NOT NULL,
    input           BLOB NOT NULL,
    previous_hash   BLOB NOT NULL,
    entry_hash      BLOB NOT NULL UNIQUE,
    hmac            BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id);
`

const migrationV4Down = `
DROP INDEX IF EXISTS idx_decisions_session;
DROP INDEX IF EXISTS idx_decisions_timestamp;
DROP TABLE IF EXISTS decisions;
DROP TABLE IF EXISTS decision_integrity;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}
	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}
	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// GetMigrationStatus returns the current migration status.
func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{LatestVersion: len(migrations)}

	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table does not exist yet.
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		applied[am.Version] = true
		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}

	for _, m := range migrations {
		if !applied[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}
	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	required := []string{
		"sessions",
		"score_history",
		"evaluations",
		"decisions",
		"decision_integrity",
		"schema_migrations",
	}
	for _, table := range required {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
