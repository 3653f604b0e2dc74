package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 1

// InitializeDatabase creates and initializes the SQLite database with the required schema.
// This function is idempotent and safe to call multiple times.
func InitializeDatabase(dbPath string) (*sql.DB, error) {
	return openDatabase(dbPath)
}

func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
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

	return db, nil
}

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// If database is empty (version 0), create fresh schema.
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}

		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

// runMigration applies a specific version migration.
func runMigration(_ *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // Fresh schema, created by createSchema
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// createSchema creates all required tables and indices.
func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		// Schema version tracking
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Append-only audit trail. Every state transition in the subsystem
		// lands here; spend entries are aggregated from it.
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			component TEXT NOT NULL,
			details TEXT,
			actor TEXT,
			deal_id TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Agent delegation requests (edges in the in-flight work graph)
		`CREATE TABLE IF NOT EXISTS agent_requests (
			id TEXT PRIMARY KEY,
			deal_id TEXT NOT NULL,
			from_agent TEXT NOT NULL,
			to_agent TEXT NOT NULL,
			kind TEXT NOT NULL CHECK (kind IN ('information_needed','review_requested','action_needed')),
			description TEXT NOT NULL,
			context TEXT,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','in_progress','completed','failed','expired')),
			response TEXT,
			failure_reason TEXT,
			chain_depth INTEGER NOT NULL CHECK (chain_depth >= 1),
			expires_at DATETIME NOT NULL,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Per-deal insight ledger with supersession chains
		`CREATE TABLE IF NOT EXISTS deal_insights (
			id TEXT PRIMARY KEY,
			deal_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			insight TEXT NOT NULL,
			confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			source_agent TEXT NOT NULL,
			evidence TEXT,
			supersedes TEXT REFERENCES deal_insights(id),
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Learned behavioral patterns with confidence-weighted lifecycle
		`CREATE TABLE IF NOT EXISTS learned_patterns (
			id TEXT PRIMARY KEY,
			agent_type TEXT,
			kind TEXT NOT NULL,
			target_type TEXT NOT NULL,
			description TEXT NOT NULL,
			condition TEXT NOT NULL,
			instruction TEXT NOT NULL,
			confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
			supporting INTEGER NOT NULL DEFAULT 0,
			contradicting INTEGER NOT NULL DEFAULT 0,
			stage TEXT NOT NULL DEFAULT 'proposed' CHECK (stage IN ('proposed','confirmed','established','hard_rule','decayed','retired')),
			version INTEGER NOT NULL DEFAULT 1,
			version_history TEXT,
			last_applied DATETIME,
			last_evaluated DATETIME,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Raw feedback events consumed by pattern detection
		`CREATE TABLE IF NOT EXISTS feedback_events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL CHECK (event_type IN ('approved','modified','rejected','escalated','annotation')),
			agent_type TEXT,
			target_type TEXT NOT NULL,
			original_output TEXT,
			modified_output TEXT,
			annotation TEXT,
			deal_id TEXT,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Regression test cases generated from modified/rejected feedback
		`CREATE TABLE IF NOT EXISTS pattern_test_cases (
			id TEXT PRIMARY KEY,
			feedback_id TEXT NOT NULL REFERENCES feedback_events(id),
			agent_type TEXT,
			target_type TEXT NOT NULL,
			original_output TEXT NOT NULL,
			expected_output TEXT,
			rejected INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Model distillation routing state, one row per task type
		`CREATE TABLE IF NOT EXISTS routing_configs (
			task_type TEXT PRIMARY KEY,
			current_model TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'not_started' CHECK (status IN ('not_started','collecting','testing','handed_off')),
			exemplar_count INTEGER NOT NULL DEFAULT 0,
			min_exemplars INTEGER NOT NULL,
			handoff_threshold REAL NOT NULL,
			revert_threshold REAL NOT NULL,
			spot_check_frequency INTEGER NOT NULL,
			call_count INTEGER NOT NULL DEFAULT 0,
			consecutive_low INTEGER NOT NULL DEFAULT 0,
			consecutive_high INTEGER NOT NULL DEFAULT 0,
			last_spot_check DATETIME,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			updated_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
	}

	indices := []string{
		// At most one pending edge per ordered (deal, requester, target) pair.
		// This backs the broker's conditional-write deadlock check.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_pending_edge
			ON agent_requests(deal_id, from_agent, to_agent) WHERE status = 'pending'`,

		"CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action)",
		"CREATE INDEX IF NOT EXISTS idx_audit_deal ON audit_log(deal_id)",
		"CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)",
		"CREATE INDEX IF NOT EXISTS idx_requests_deal_status ON agent_requests(deal_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_requests_target ON agent_requests(to_agent, status)",
		"CREATE INDEX IF NOT EXISTS idx_requests_expiry ON agent_requests(status, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_insights_deal_topic ON deal_insights(deal_id, topic)",
		"CREATE INDEX IF NOT EXISTS idx_insights_supersedes ON deal_insights(supersedes)",
		"CREATE INDEX IF NOT EXISTS idx_patterns_stage ON learned_patterns(stage)",
		"CREATE INDEX IF NOT EXISTS idx_patterns_agent ON learned_patterns(agent_type)",
		"CREATE INDEX IF NOT EXISTS idx_feedback_type_created ON feedback_events(event_type, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_test_cases_target ON pattern_test_cases(target_type)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}

	return nil
}

// setSchemaVersion records the current schema version.
func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO schema_version (version) VALUES (?)
	`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	// First ensure the schema_version table exists.
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
