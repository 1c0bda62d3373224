package migrations

import (
	"database/sql"
	"fmt"
)

// Migration represents a single database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: 1,
		Name:    "Add lookup indices for runs and sessions",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_runs_address ON load_test_runs(address);
			CREATE INDEX IF NOT EXISTS idx_sessions_status ON load_test_sessions(run_id, status);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_runs_address;
			DROP INDEX IF EXISTS idx_sessions_status;
		`,
	},
	{
		Version: 2,
		Name:    "Add recency index for saved configs",
		Up: `
			CREATE INDEX IF NOT EXISTS idx_configs_updated_at ON load_test_configs(updated_at DESC);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_configs_updated_at;
		`,
	},
	{
		Version: 3,
		Name:    "Record configs that send no terminator",
		Up: `
			ALTER TABLE load_test_configs ADD COLUMN no_terminator INTEGER NOT NULL DEFAULT 0;
		`,
		Down: `
			ALTER TABLE load_test_configs DROP COLUMN no_terminator;
		`,
	},
}

// InitSchema creates the tables for saved configs, runs and their sessions
func InitSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS load_test_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		address TEXT NOT NULL,
		requests INTEGER NOT NULL DEFAULT 1,
		mode TEXT NOT NULL DEFAULT 'short',
		message TEXT,
		payload_size INTEGER DEFAULT 0,
		terminator TEXT,
		expected_bytes INTEGER DEFAULT 0,
		dial_timeout_sec INTEGER DEFAULT 0,
		session_timeout_sec INTEGER DEFAULT 0,
		read_buffer_size INTEGER DEFAULT 0,
		verify INTEGER DEFAULT 0,
		timing_policy TEXT DEFAULT 'all',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS load_test_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uuid TEXT NOT NULL UNIQUE,
		config_id INTEGER,
		config_name TEXT,
		address TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		status TEXT NOT NULL,
		request_count INTEGER DEFAULT 0,
		complete_count INTEGER DEFAULT 0,
		short_read_count INTEGER DEFAULT 0,
		conn_error_count INTEGER DEFAULT 0,
		mismatch_count INTEGER DEFAULT 0,
		bytes_received INTEGER DEFAULT 0,
		total_time_sec REAL DEFAULT 0,
		avg_latency_sec REAL DEFAULT 0,
		requests_per_sec REAL DEFAULT 0,
		p50_latency_sec REAL DEFAULT 0,
		p95_latency_sec REAL DEFAULT 0,
		p99_latency_sec REAL DEFAULT 0,
		timing_policy TEXT,
		FOREIGN KEY (config_id) REFERENCES load_test_configs(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON load_test_runs(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_config_id ON load_test_runs(config_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON load_test_runs(status);

	CREATE TABLE IF NOT EXISTS load_test_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		session_index INTEGER NOT NULL,
		started_at DATETIME NOT NULL,
		elapsed_us INTEGER NOT NULL,
		status TEXT NOT NULL,
		bytes_sent INTEGER DEFAULT 0,
		bytes_received INTEGER DEFAULT 0,
		mismatch INTEGER DEFAULT 0,
		error_message TEXT,
		FOREIGN KEY (run_id) REFERENCES load_test_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_run_id ON load_test_sessions(run_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_index ON load_test_sessions(run_id, session_index);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Run creates the schema and applies pending migrations, each in its own
// transaction
func Run(db *sql.DB) error {
	if err := InitSchema(db); err != nil {
		return err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := GetCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range AllMigrations {
		if m.Version <= current {
			continue
		}
		if err := apply(db, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

func apply(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.Up); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCurrentVersion returns the highest applied migration, 0 for a new database
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
