package stresstest

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/michaelxuuu/echobench/internal/migrations"
)

// Manager handles load test data persistence
type Manager struct {
	db *sql.DB
}

// NewManager creates a new load test manager
func NewManager(dbPath string) (*Manager, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	m := &Manager{db: db}

	// Run database migrations (includes schema initialization)
	if err := migrations.Run(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return m, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}

const configColumns = `id, name, address, requests, mode, COALESCE(message, ''), payload_size,
	COALESCE(terminator, ''), no_terminator, expected_bytes, dial_timeout_sec, session_timeout_sec,
	read_buffer_size, verify, COALESCE(timing_policy, 'all'), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConfig(row scanner) (*Config, error) {
	config := &Config{}
	var policy string
	err := row.Scan(&config.ID, &config.Name, &config.Address, &config.Requests, &config.Mode,
		&config.Message, &config.PayloadSize, &config.Terminator, &config.NoTerminator, &config.ExpectedBytes,
		&config.DialTimeoutSec, &config.SessionTimeoutSec, &config.ReadBufferSize, &config.Verify,
		&policy, &config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		return nil, err
	}
	config.TimingPolicy = TimingPolicy(policy)
	return config, nil
}

// SaveConfig saves or updates a load test configuration
func (m *Manager) SaveConfig(config *Config) error {
	if config.Name == "" {
		return fmt.Errorf("%w: config name is required", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	if config.ID == 0 {
		result, err := m.db.Exec(`
			INSERT INTO load_test_configs
			(name, address, requests, mode, message, payload_size, terminator, no_terminator, expected_bytes,
			 dial_timeout_sec, session_timeout_sec, read_buffer_size, verify, timing_policy)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, config.Name, config.Address, config.Requests, config.GetMode(), config.Message, config.PayloadSize,
			config.Terminator, config.NoTerminator, config.ExpectedBytes, config.DialTimeoutSec, config.SessionTimeoutSec,
			config.ReadBufferSize, config.Verify, string(config.TimingPolicy))
		if err != nil {
			return fmt.Errorf("failed to insert config: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		config.ID = id
		return nil
	}

	_, err := m.db.Exec(`
		UPDATE load_test_configs
		SET name = ?, address = ?, requests = ?, mode = ?, message = ?, payload_size = ?, terminator = ?,
		    no_terminator = ?, expected_bytes = ?, dial_timeout_sec = ?, session_timeout_sec = ?, read_buffer_size = ?,
		    verify = ?, timing_policy = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, config.Name, config.Address, config.Requests, config.GetMode(), config.Message, config.PayloadSize,
		config.Terminator, config.NoTerminator, config.ExpectedBytes, config.DialTimeoutSec, config.SessionTimeoutSec,
		config.ReadBufferSize, config.Verify, string(config.TimingPolicy), config.ID)
	if err != nil {
		return fmt.Errorf("failed to update config: %w", err)
	}
	return nil
}

// GetConfig retrieves a config by ID
func (m *Manager) GetConfig(id int64) (*Config, error) {
	return scanConfig(m.db.QueryRow(`SELECT `+configColumns+` FROM load_test_configs WHERE id = ?`, id))
}

// GetConfigByName retrieves a config by name
func (m *Manager) GetConfigByName(name string) (*Config, error) {
	return scanConfig(m.db.QueryRow(`SELECT `+configColumns+` FROM load_test_configs WHERE name = ?`, name))
}

// ListConfigs returns all saved configurations, most recently updated first
func (m *Manager) ListConfigs() ([]*Config, error) {
	rows, err := m.db.Query(`SELECT ` + configColumns + ` FROM load_test_configs ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*Config
	for rows.Next() {
		config, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, config)
	}
	return configs, rows.Err()
}

// DeleteConfig deletes a configuration
func (m *Manager) DeleteConfig(id int64) error {
	_, err := m.db.Exec("DELETE FROM load_test_configs WHERE id = ?", id)
	return err
}

// CreateRun creates a new run record
func (m *Manager) CreateRun(run *Run) error {
	result, err := m.db.Exec(`
		INSERT INTO load_test_runs
		(uuid, config_id, config_name, address, mode, started_at, status, request_count, timing_policy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.UUID, run.ConfigID, run.ConfigName, run.Address, run.Mode, run.StartedAt, run.Status,
		run.RequestCount, run.TimingPolicy)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.ID = id
	return nil
}

// UpdateRun updates a run record
func (m *Manager) UpdateRun(run *Run) error {
	_, err := m.db.Exec(`
		UPDATE load_test_runs
		SET completed_at = ?, status = ?, request_count = ?, complete_count = ?, short_read_count = ?,
		    conn_error_count = ?, mismatch_count = ?, bytes_received = ?, total_time_sec = ?,
		    avg_latency_sec = ?, requests_per_sec = ?, p50_latency_sec = ?, p95_latency_sec = ?,
		    p99_latency_sec = ?
		WHERE id = ?
	`, run.CompletedAt, run.Status, run.RequestCount, run.CompleteCount, run.ShortReadCount,
		run.ConnErrorCount, run.MismatchCount, run.BytesReceived, run.TotalTimeSec,
		run.AvgLatencySec, run.RequestsPerSec, run.P50LatencySec, run.P95LatencySec,
		run.P99LatencySec, run.ID)
	return err
}

const runColumns = `id, uuid, config_id, COALESCE(config_name, ''), address, mode, started_at, completed_at,
	status, request_count, complete_count, short_read_count, conn_error_count, mismatch_count,
	bytes_received, total_time_sec, avg_latency_sec, requests_per_sec, p50_latency_sec,
	p95_latency_sec, p99_latency_sec, COALESCE(timing_policy, '')`

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var configID sql.NullInt64
	var completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.UUID, &configID, &run.ConfigName, &run.Address, &run.Mode,
		&run.StartedAt, &completedAt, &run.Status, &run.RequestCount, &run.CompleteCount,
		&run.ShortReadCount, &run.ConnErrorCount, &run.MismatchCount, &run.BytesReceived,
		&run.TotalTimeSec, &run.AvgLatencySec, &run.RequestsPerSec, &run.P50LatencySec,
		&run.P95LatencySec, &run.P99LatencySec, &run.TimingPolicy)
	if err != nil {
		return nil, err
	}

	if configID.Valid {
		run.ConfigID = &configID.Int64
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// GetRun retrieves a run by ID
func (m *Manager) GetRun(id int64) (*Run, error) {
	return scanRun(m.db.QueryRow(`SELECT `+runColumns+` FROM load_test_runs WHERE id = ?`, id))
}

// ListRuns returns the most recent runs, all of them when limit is 0
func (m *Manager) ListRuns(limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM load_test_runs ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := m.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun deletes a run and all its session metrics
func (m *Manager) DeleteRun(id int64) error {
	_, err := m.db.Exec("DELETE FROM load_test_runs WHERE id = ?", id)
	return err
}

// SaveMetricsBatch saves multiple session metrics in a single transaction
func (m *Manager) SaveMetricsBatch(metrics []*Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO load_test_sessions
		(run_id, session_index, started_at, elapsed_us, status, bytes_sent, bytes_received, mismatch, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, metric := range metrics {
		_, err := stmt.Exec(metric.RunID, metric.SessionIndex, metric.StartedAt, metric.ElapsedUs,
			metric.Status, metric.BytesSent, metric.BytesReceived, metric.Mismatch, metric.ErrorMessage)
		if err != nil {
			return fmt.Errorf("failed to insert metric: %w", err)
		}
	}

	return tx.Commit()
}

// GetMetrics retrieves all session metrics for a run in spawn order
func (m *Manager) GetMetrics(runID int64) ([]*Metric, error) {
	rows, err := m.db.Query(`
		SELECT id, run_id, session_index, started_at, elapsed_us, status, bytes_sent, bytes_received,
		       mismatch, error_message
		FROM load_test_sessions
		WHERE run_id = ?
		ORDER BY session_index
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []*Metric
	for rows.Next() {
		metric := &Metric{}
		var errorMsg sql.NullString

		err := rows.Scan(&metric.ID, &metric.RunID, &metric.SessionIndex, &metric.StartedAt,
			&metric.ElapsedUs, &metric.Status, &metric.BytesSent, &metric.BytesReceived,
			&metric.Mismatch, &errorMsg)
		if err != nil {
			return nil, err
		}

		if errorMsg.Valid {
			metric.ErrorMessage = errorMsg.String
		}

		metrics = append(metrics, metric)
	}
	return metrics, rows.Err()
}
