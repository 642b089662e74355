package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/modelrelay/modelrelay/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS provider_health (
	provider             TEXT PRIMARY KEY,
	state                TEXT NOT NULL,
	last_check           INTEGER NOT NULL,
	last_success         INTEGER NOT NULL,
	consecutive_failures INTEGER NOT NULL,
	last_error           TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS probe_results (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	provider  TEXT NOT NULL,
	success   INTEGER NOT NULL,
	latency_ns INTEGER NOT NULL,
	error     TEXT NOT NULL DEFAULT '',
	timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_probe_results_provider
	ON probe_results (provider, id);
`

// SQLite persists health snapshots and probe history across restarts.
// The driver is pure Go, so the gateway stays a single static binary.
type SQLite struct {
	db        *sql.DB
	retention int
}

// NewSQLite opens (and migrates) the store at path.
func NewSQLite(path string, retention int) (*SQLite, error) {
	if retention <= 0 {
		retention = 32
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	// SQLite handles one writer at a time; serialize on the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	return &SQLite{db: db, retention: retention}, nil
}

func (s *SQLite) SaveHealth(ctx context.Context, provider string, status core.HealthStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_health (provider, state, last_check, last_success, consecutive_failures, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			state = excluded.state,
			last_check = excluded.last_check,
			last_success = excluded.last_success,
			consecutive_failures = excluded.consecutive_failures,
			last_error = excluded.last_error`,
		provider,
		string(status.State),
		status.LastCheck.UnixNano(),
		status.LastSuccess.UnixNano(),
		status.ConsecutiveFailures,
		status.LastError,
	)
	if err != nil {
		return fmt.Errorf("save health for %q: %w", provider, err)
	}

	return nil
}

func (s *SQLite) LoadHealth(ctx context.Context, provider string) (core.HealthStatus, bool, error) {
	var (
		status                 core.HealthStatus
		state                  string
		lastCheck, lastSuccess int64
	)

	row := s.db.QueryRowContext(ctx, `
		SELECT state, last_check, last_success, consecutive_failures, last_error
		FROM provider_health WHERE provider = ?`, provider)

	err := row.Scan(&state, &lastCheck, &lastSuccess, &status.ConsecutiveFailures, &status.LastError)
	if err == sql.ErrNoRows {
		return core.HealthStatus{}, false, nil
	}

	if err != nil {
		return core.HealthStatus{}, false, fmt.Errorf("load health for %q: %w", provider, err)
	}

	status.State = core.HealthState(state)
	status.LastCheck = time.Unix(0, lastCheck)
	status.LastSuccess = time.Unix(0, lastSuccess)

	return status, true, nil
}

func (s *SQLite) AppendProbe(ctx context.Context, result core.ProbeResult) error {
	success := 0
	if result.Success {
		success = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO probe_results (provider, success, latency_ns, error, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		result.Provider,
		success,
		result.Latency.Nanoseconds(),
		result.Error,
		result.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append probe for %q: %w", result.Provider, err)
	}

	// Prune beyond the retention bound.
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM probe_results
		WHERE provider = ? AND id NOT IN (
			SELECT id FROM probe_results WHERE provider = ? ORDER BY id DESC LIMIT ?
		)`, result.Provider, result.Provider, s.retention)
	if err != nil {
		return fmt.Errorf("prune probes for %q: %w", result.Provider, err)
	}

	return nil
}

func (s *SQLite) RecentProbes(ctx context.Context, provider string, limit int) ([]core.ProbeResult, error) {
	if limit <= 0 {
		limit = s.retention
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT success, latency_ns, error, timestamp
		FROM probe_results WHERE provider = ?
		ORDER BY id DESC LIMIT ?`, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("query probes for %q: %w", provider, err)
	}
	defer rows.Close()

	var out []core.ProbeResult

	for rows.Next() {
		var (
			result    core.ProbeResult
			success   int
			latencyNs int64
			timestamp int64
		)

		if err := rows.Scan(&success, &latencyNs, &result.Error, &timestamp); err != nil {
			return nil, fmt.Errorf("scan probe for %q: %w", provider, err)
		}

		result.Provider = provider
		result.Success = success == 1
		result.Latency = time.Duration(latencyNs)
		result.Timestamp = time.Unix(0, timestamp)

		out = append(out, result)
	}

	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
