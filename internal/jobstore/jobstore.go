// Package jobstore implements the Job Store (spec.md §4.2): the durable
// record of every Job, backed by SQLite via database/sql, following the
// teacher's store.go convention of hand-written SQL and JSON-in-TEXT
// columns rather than an ORM.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the closed job status enum from spec.md §3.1.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelling Status = "CANCELLING"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether s is one of the three terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the unit of background work from spec.md §3.1.
type Job struct {
	ID             string
	Type           string
	Status         Status
	Progress       int
	TotalItems     *int
	ProcessedItems *int
	Parameters     map[string]any
	Metadata       map[string]any
	Result         map[string]any
	Error          string
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Store is the SQLite-backed Job Store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the job table inside db.
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			total_items INTEGER,
			processed_items INTEGER,
			parameters TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			result TEXT,
			error TEXT,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_status_created ON job(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_job_type ON job(type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("jobstore: migrate: %w", err)
		}
	}
	return nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// Create inserts a new job in PENDING status.
func (s *Store) Create(id, jobType string, params, meta map[string]any) (*Job, error) {
	paramsJSON, err := marshalMap(params)
	if err != nil {
		return nil, fmt.Errorf("jobstore: marshal parameters: %w", err)
	}
	metaJSON, err := marshalMap(meta)
	if err != nil {
		return nil, fmt.Errorf("jobstore: marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO job (id, type, status, progress, parameters, metadata, created_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		id, jobType, string(StatusPending), paramsJSON, metaJSON, now,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore: create: %w", err)
	}
	return s.Get(id)
}

// Get returns the job with the given id, or nil if not found.
func (s *Store) Get(id string) (*Job, error) {
	row := s.db.QueryRow(
		`SELECT id, type, status, progress, total_items, processed_items,
		        parameters, metadata, result, error, created_at, started_at, completed_at
		 FROM job WHERE id = ?`, id,
	)
	return scanJob(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	var j Job
	var totalItems, processedItems sql.NullInt64
	var paramsJSON, metaJSON string
	var resultJSON, errStr sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Progress, &totalItems, &processedItems,
		&paramsJSON, &metaJSON, &resultJSON, &errStr, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobstore: scan: %w", err)
	}

	if totalItems.Valid {
		v := int(totalItems.Int64)
		j.TotalItems = &v
	}
	if processedItems.Valid {
		v := int(processedItems.Int64)
		j.ProcessedItems = &v
	}
	j.Parameters = unmarshalMap(paramsJSON)
	j.Metadata = unmarshalMap(metaJSON)
	if resultJSON.Valid {
		j.Result = unmarshalMap(resultJSON.String)
	}
	j.Error = errStr.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// StatusUpdate carries the optional fields UpdateStatus may set.
type StatusUpdate struct {
	Progress       *int
	ProcessedItems *int
	TotalItems     *int
	Message        *string
	Result         map[string]any
	Error          *string
}

// UpdateStatus transitions id to status, applying update's optional
// fields, stamping started_at on first RUNNING and completed_at on any
// terminal status. Once a job is terminal, further calls are no-ops
// (testable property #1: terminal status is monotonic).
func (s *Store) UpdateStatus(id string, status Status, update StatusUpdate) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanJob(tx.QueryRow(
		`SELECT id, type, status, progress, total_items, processed_items,
		        parameters, metadata, result, error, created_at, started_at, completed_at
		 FROM job WHERE id = ?`, id,
	))
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	if current.Status.Terminal() {
		// Terminal status is monotonic: ignore further transitions, but
		// still allow metadata-only refinements to be silently dropped
		// rather than erroring, matching the handler wrapper's "never
		// re-raise" discipline in spec.md §4.4.
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return current, nil
	}

	now := time.Now().UTC()
	sets := []string{"status = ?"}
	args := []any{string(status)}

	if update.Progress != nil {
		p := *update.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		sets = append(sets, "progress = ?")
		args = append(args, p)
	}
	if update.ProcessedItems != nil {
		sets = append(sets, "processed_items = ?")
		args = append(args, *update.ProcessedItems)
	}
	if update.TotalItems != nil {
		sets = append(sets, "total_items = ?")
		args = append(args, *update.TotalItems)
	}
	if update.Message != nil {
		meta := current.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta["last_message"] = *update.Message
		metaJSON, merr := marshalMap(meta)
		if merr != nil {
			return nil, merr
		}
		sets = append(sets, "metadata = ?")
		args = append(args, metaJSON)
	}
	if update.Result != nil {
		resultJSON, merr := marshalMap(update.Result)
		if merr != nil {
			return nil, merr
		}
		sets = append(sets, "result = ?")
		args = append(args, resultJSON)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if status == StatusRunning && current.StartedAt == nil {
		sets = append(sets, "started_at = ?")
		args = append(args, now)
	}
	if status.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, now)
	}

	query := fmt.Sprintf("UPDATE job SET %s WHERE id = ?", joinSets(sets))
	args = append(args, id)
	if _, err := tx.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("jobstore: update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(id)
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}

// ListFilter narrows List results.
type ListFilter struct {
	Status *Status
	Type   *string
	Limit  int
	Offset int
}

// List returns jobs matching filter, sorted by created_at desc.
func (s *Store) List(filter ListFilter) ([]Job, error) {
	query := `SELECT id, type, status, progress, total_items, processed_items,
	                  parameters, metadata, result, error, created_at, started_at, completed_at
	           FROM job WHERE 1=1`
	var args []any
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Type != nil {
		query += " AND type = ?"
		args = append(args, *filter.Type)
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	return s.queryJobs(query, args...)
}

// Active returns jobs in {PENDING, RUNNING, CANCELLING}, optionally
// restricted to jobType.
func (s *Store) Active(jobType *string) ([]Job, error) {
	query := `SELECT id, type, status, progress, total_items, processed_items,
	                  parameters, metadata, result, error, created_at, started_at, completed_at
	           FROM job WHERE status IN (?, ?, ?)`
	args := []any{string(StatusPending), string(StatusRunning), string(StatusCancelling)}
	if jobType != nil {
		query += " AND type = ?"
		args = append(args, *jobType)
	}
	query += " ORDER BY created_at DESC"
	return s.queryJobs(query, args...)
}

func (s *Store) queryJobs(query string, args ...any) ([]Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobstore: query: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// CleanupOld deletes terminal jobs whose completed_at is older than days.
func (s *Store) CleanupOld(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.Exec(
		`DELETE FROM job WHERE completed_at IS NOT NULL AND completed_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("jobstore: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ReclaimStale marks every job still RUNNING or CANCELLING as FAILED with
// error "stale after restart". Decided in SPEC_FULL.md's Open Questions
// section: on process restart, an in-flight job from the previous process
// can never be resumed (spec.md Non-goals), so it is failed immediately
// rather than left to wedge its type's lock forever.
func (s *Store) ReclaimStale() (int, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE job SET status = ?, error = ?, completed_at = ?
		 WHERE status IN (?, ?)`,
		string(StatusFailed), "stale after restart", now,
		string(StatusRunning), string(StatusCancelling),
	)
	if err != nil {
		return 0, fmt.Errorf("jobstore: reclaim stale: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
