// Package persistence stores pipeline run history in SQLite.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// InitializeDatabase creates and initializes the SQLite database with the required schema.
// This function is idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return db, nil
}

// migrations[v] moves a database from version v-1 to v.
var migrations = map[int][]string{ //nolint:gochecknoglobals // static DDL
	2: {
		"ALTER TABLE stage_results ADD COLUMN prompt_tokens INTEGER NOT NULL DEFAULT 0",
		"ALTER TABLE stage_results ADD COLUMN completion_tokens INTEGER NOT NULL DEFAULT 0",
	},
}

func initializeSchemaWithMigrations(db *sql.DB) error {
	current, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	switch {
	case current == 0:
		return createSchema(db)
	case current > CurrentSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, CurrentSchemaVersion)
	}

	for version := current + 1; version <= CurrentSchemaVersion; version++ {
		if err := migrate(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
	}
	return nil
}

// migrate applies one version's statements and records the version in a
// single transaction.
func migrate(db *sql.DB, version int) error {
	stmts, ok := migrations[version]
	if !ok {
		return fmt.Errorf("unknown migration version: %d", version)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute %q: %w", stmt, err)
		}
	}
	if err := setSchemaVersion(tx, version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// schemaV1 is the original layout, kept so migrations can be tested.
var schemaV1 = []string{ //nolint:gochecknoglobals // static DDL
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		margin INTEGER NOT NULL,
		max_attempts INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'running' CHECK (status IN ('running','succeeded','failed')),
		final_answer TEXT NOT NULL DEFAULT '',
		expected TEXT NOT NULL DEFAULT '',
		all_converged INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
		completed_at DATETIME
	)`,

	`CREATE TABLE IF NOT EXISTS stage_results (
		run_id TEXT NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
		stage_index INTEGER NOT NULL,
		name TEXT NOT NULL,
		task TEXT NOT NULL,
		answer TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		margin INTEGER NOT NULL,
		final_lead INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL,
		votes INTEGER NOT NULL,
		discarded INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		standings TEXT NOT NULL DEFAULT '[]',
		error TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (run_id, stage_index)
	)`,

	"CREATE INDEX IF NOT EXISTS idx_pipeline_runs_started ON pipeline_runs(started_at)",
	"CREATE INDEX IF NOT EXISTS idx_pipeline_runs_name ON pipeline_runs(name)",
}

// createSchema lays down version 1 and migrates a fresh database forward.
func createSchema(db *sql.DB) error {
	for _, ddl := range schemaV1 {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if err := setSchemaVersion(db, 1); err != nil {
		return err
	}
	for version := 2; version <= CurrentSchemaVersion; version++ {
		if err := migrate(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func setSchemaVersion(db execer, version int) error {
	if _, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to set schema version %d: %w", version, err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil // No version set yet
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
