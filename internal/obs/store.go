package obs

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists per-daemon observability rows: errors (with 24h occurrence
// coalescing), activity, metrics, alerts, and a single current-status row
// per daemon. It is grounded in the teacher's RecordHealthEvent /
// RecordTickMetrics style: hand-written SQL over database/sql, one method
// per recorded fact.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the observability tables inside an existing
// *sql.DB, shared with the rest of the process's state (one state file per
// spec.md §6.3).
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS daemon_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			daemon_id TEXT NOT NULL,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daemon_job_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			daemon_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daemon_error (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			daemon_id TEXT NOT NULL,
			error_type TEXT NOT NULL,
			message TEXT NOT NULL,
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			first_seen_at TIMESTAMP NOT NULL,
			last_seen_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_daemon_error_lookup
			ON daemon_error(daemon_id, error_type, message, last_seen_at)`,
		`CREATE TABLE IF NOT EXISTS daemon_activity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			daemon_id TEXT NOT NULL,
			activity TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daemon_metric (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			daemon_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daemon_alert (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			daemon_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daemon_status (
			daemon_id TEXT PRIMARY KEY,
			current_activity TEXT,
			health_score REAL NOT NULL DEFAULT 100,
			errors_24h INTEGER NOT NULL DEFAULT 0,
			jobs_launched_24h INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("obs: migrate: %w", err)
		}
	}
	return nil
}

// LogLevel mirrors spec.md §6.2's daemon_log level enum.
type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// RecordLog persists a DaemonLog row. Publishing it on the event bus is the
// caller's responsibility (internal/daemon.Facilities.Log does both).
func (s *Store) RecordLog(daemonID string, level LogLevel, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon_log (daemon_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		daemonID, string(level), message, time.Now().UTC(),
	)
	return err
}

// JobAction is the closed enum from spec.md §4.7's TrackJobAction.
type JobAction string

const (
	ActionLaunched  JobAction = "LAUNCHED"
	ActionCancelled JobAction = "CANCELLED"
	ActionFinished  JobAction = "FINISHED"
	ActionFailed    JobAction = "FAILED"
)

// RecordJobAction persists a DaemonJobHistory row.
func (s *Store) RecordJobAction(daemonID, jobID string, action JobAction, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon_job_history (daemon_id, job_id, action, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		daemonID, jobID, string(action), reason, time.Now().UTC(),
	)
	return err
}

// coalesceWindow is the occurrence-coalescing window from spec.md §4.9.
const coalesceWindow = 24 * time.Hour

// RecordError persists a DaemonError row, incrementing occurrence_count
// instead of inserting a duplicate row when the same
// (daemon_id, error_type, message) was already seen within the last 24h.
func (s *Store) RecordError(daemonID, errorType, message string) error {
	now := time.Now().UTC()
	cutoff := now.Add(-coalesceWindow)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRow(
		`SELECT id FROM daemon_error
		 WHERE daemon_id = ? AND error_type = ? AND message = ? AND last_seen_at >= ?
		 ORDER BY last_seen_at DESC LIMIT 1`,
		daemonID, errorType, message, cutoff,
	).Scan(&id)

	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.Exec(
			`INSERT INTO daemon_error (daemon_id, error_type, message, occurrence_count, first_seen_at, last_seen_at)
			 VALUES (?, ?, ?, 1, ?, ?)`,
			daemonID, errorType, message, now, now,
		); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if _, err := tx.Exec(
			`UPDATE daemon_error SET occurrence_count = occurrence_count + 1, last_seen_at = ? WHERE id = ?`,
			now, id,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecordActivity persists a DaemonActivity row.
func (s *Store) RecordActivity(daemonID, activity string) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon_activity (daemon_id, activity, created_at) VALUES (?, ?, ?)`,
		daemonID, activity, time.Now().UTC(),
	)
	return err
}

// RecordMetric persists a DaemonMetric row.
func (s *Store) RecordMetric(daemonID, name string, value float64) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon_metric (daemon_id, name, value, created_at) VALUES (?, ?, ?, ?)`,
		daemonID, name, value, time.Now().UTC(),
	)
	return err
}

// RecordAlert persists a DaemonAlert row.
func (s *Store) RecordAlert(daemonID, severity, message string) error {
	_, err := s.db.Exec(
		`INSERT INTO daemon_alert (daemon_id, severity, message, created_at) VALUES (?, ?, ?, ?)`,
		daemonID, severity, message, time.Now().UTC(),
	)
	return err
}

// DaemonStatusRow is the current-state snapshot for one daemon.
type DaemonStatusRow struct {
	DaemonID        string
	CurrentActivity string
	HealthScore     float64
	Errors24h       int
	JobsLaunched24h int
	UpdatedAt       time.Time
}

// UpsertStatus writes the current-activity/health-score snapshot for a
// daemon, recomputing the 24h rolling counters from the error/job-history
// tables.
func (s *Store) UpsertStatus(daemonID, currentActivity string, healthScore float64) error {
	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)

	var errors24h, jobs24h int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM daemon_error WHERE daemon_id = ? AND last_seen_at >= ?`,
		daemonID, cutoff,
	).Scan(&errors24h); err != nil {
		return err
	}
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM daemon_job_history WHERE daemon_id = ? AND action = ? AND created_at >= ?`,
		daemonID, string(ActionLaunched), cutoff,
	).Scan(&jobs24h); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO daemon_status (daemon_id, current_activity, health_score, errors_24h, jobs_launched_24h, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(daemon_id) DO UPDATE SET
			current_activity = excluded.current_activity,
			health_score = excluded.health_score,
			errors_24h = excluded.errors_24h,
			jobs_launched_24h = excluded.jobs_launched_24h,
			updated_at = excluded.updated_at`,
		daemonID, currentActivity, healthScore, errors24h, jobs24h, now,
	)
	return err
}

// GetStatus returns the current status row for a daemon, if one exists.
func (s *Store) GetStatus(daemonID string) (*DaemonStatusRow, error) {
	row := &DaemonStatusRow{DaemonID: daemonID}
	var activity sql.NullString
	err := s.db.QueryRow(
		`SELECT current_activity, health_score, errors_24h, jobs_launched_24h, updated_at
		 FROM daemon_status WHERE daemon_id = ?`,
		daemonID,
	).Scan(&activity, &row.HealthScore, &row.Errors24h, &row.JobsLaunched24h, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	row.CurrentActivity = activity.String
	return row, nil
}

// HealthScore computes the 0-100 score named in spec.md SPEC_FULL.md C7:
// derived from recent error rate and heartbeat freshness. A daemon with no
// errors and a fresh heartbeat scores 100; each error in the last hour
// costs 10 points (floored at 0), and a heartbeat older than the given
// staleness threshold costs an additional 30 points.
func HealthScore(errorsInLastHour int, heartbeatAge, staleAfter time.Duration) float64 {
	score := 100.0 - float64(errorsInLastHour)*10.0
	if heartbeatAge > staleAfter {
		score -= 30.0
	}
	if score < 0 {
		score = 0
	}
	return score
}

// CountRecentErrors returns the number of daemon_error rows for daemonID
// whose last_seen_at falls within window of now.
func (s *Store) CountRecentErrors(daemonID string, window time.Duration) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM daemon_error WHERE daemon_id = ? AND last_seen_at >= ?`,
		daemonID, time.Now().UTC().Add(-window),
	).Scan(&count)
	return count, err
}
