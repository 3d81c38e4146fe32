// Package planmanager implements the Plan Manager (spec.md §4.5):
// AnalysisPlan lifecycle, incremental PlanChange accumulation, and
// apply/reconciliation logic, backed by SQLite via database/sql
// following the teacher's hand-written-SQL store convention.
package planmanager

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// PlanStatus is the closed AnalysisPlan status enum (spec.md §3.1).
type PlanStatus string

const (
	PlanPending   PlanStatus = "PENDING"
	PlanDraft     PlanStatus = "DRAFT"
	PlanReviewing PlanStatus = "REVIEWING"
	PlanApplied   PlanStatus = "APPLIED"
	PlanCancelled PlanStatus = "CANCELLED"
)

// ChangeStatus is the closed PlanChange status enum.
type ChangeStatus string

const (
	ChangePending  ChangeStatus = "PENDING"
	ChangeApproved ChangeStatus = "APPROVED"
	ChangeRejected ChangeStatus = "REJECTED"
	ChangeApplied  ChangeStatus = "APPLIED"
)

// ChangeAction is the closed PlanChange action enum.
type ChangeAction string

const (
	ActionAdd    ChangeAction = "ADD"
	ActionRemove ChangeAction = "REMOVE"
	ActionUpdate ChangeAction = "UPDATE"
	ActionSet    ChangeAction = "SET"
)

// Plan is an AnalysisPlan row.
type Plan struct {
	ID          int64
	Name        string
	Description string
	Metadata    map[string]any
	Status      PlanStatus
	JobID       *string
	CreatedAt   time.Time
	AppliedAt   *time.Time
}

// Change is a PlanChange row.
type Change struct {
	ID            int64
	PlanID        int64
	SceneID       int64
	Field         string
	Action        ChangeAction
	CurrentValue  map[string]any
	ProposedValue map[string]any
	Confidence    *float64
	Status        ChangeStatus
	Applied       bool
	AppliedAt     *time.Time
}

// NewChange is the input shape for AppendChanges.
type NewChange struct {
	SceneID       int64
	Field         string
	Action        ChangeAction
	CurrentValue  map[string]any
	ProposedValue map[string]any
	Confidence    *float64
}

// Store is the SQLite-backed Plan Manager.
type Store struct {
	db *sql.DB
	// perPlan serializes AppendChanges/BulkUpdateChanges/ApplyPlan for a
	// given plan so concurrent callers never race on a single plan's
	// change set, while distinct plans proceed independently.
	mu      sync.Mutex
	perPlan map[int64]*sync.Mutex
}

// Open opens (or creates) the analysis_plan/plan_change tables.
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db, perPlan: make(map[int64]*sync.Mutex)}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analysis_plan (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			plan_metadata TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			job_id TEXT,
			created_at TIMESTAMP NOT NULL,
			applied_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS plan_change (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			plan_id INTEGER NOT NULL REFERENCES analysis_plan(id),
			scene_id INTEGER NOT NULL,
			field TEXT NOT NULL,
			action TEXT NOT NULL,
			current_value TEXT,
			proposed_value TEXT,
			confidence REAL,
			status TEXT NOT NULL,
			applied INTEGER NOT NULL DEFAULT 0,
			applied_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plan_change_plan_status ON plan_change(plan_id, status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("planmanager: migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) lockFor(planID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.perPlan[planID]
	if !ok {
		m = &sync.Mutex{}
		s.perPlan[planID] = m
	}
	return m
}

func marshal(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshal(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return map[string]any{}
	}
	return m
}

// CreatePlan inserts a PENDING plan.
func (s *Store) CreatePlan(name, description string, metadata map[string]any, jobID *string) (*Plan, error) {
	metaJSON, err := marshal(metadata)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO analysis_plan (name, description, plan_metadata, status, job_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, description, metaJSON.String, string(PlanPending), jobID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("planmanager: create plan: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetPlan(id)
}

// GetPlan returns a plan by id, or nil if not found.
func (s *Store) GetPlan(id int64) (*Plan, error) {
	row := s.db.QueryRow(
		`SELECT id, name, description, plan_metadata, status, job_id, created_at, applied_at
		 FROM analysis_plan WHERE id = ?`, id,
	)
	return scanPlan(row)
}

func scanPlan(row interface{ Scan(...any) error }) (*Plan, error) {
	var p Plan
	var meta sql.NullString
	var jobID sql.NullString
	var appliedAt sql.NullTime

	err := row.Scan(&p.ID, &p.Name, &p.Description, &meta, &p.Status, &jobID, &p.CreatedAt, &appliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("planmanager: scan plan: %w", err)
	}
	p.Metadata = unmarshal(meta)
	if jobID.Valid {
		p.JobID = &jobID.String
	}
	if appliedAt.Valid {
		t := appliedAt.Time
		p.AppliedAt = &t
	}
	return &p, nil
}

// AppendChanges batch-inserts PlanChange rows in PENDING status. Safe to
// call concurrently for different plans; calls for the same plan are
// serialized to preserve insertion order.
func (s *Store) AppendChanges(planID int64, changes []NewChange) ([]Change, error) {
	lock := s.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		curJSON, err := marshal(c.CurrentValue)
		if err != nil {
			return nil, err
		}
		propJSON, err := marshal(c.ProposedValue)
		if err != nil {
			return nil, err
		}
		res, err := tx.Exec(
			`INSERT INTO plan_change (plan_id, scene_id, field, action, current_value, proposed_value, confidence, status, applied, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			planID, c.SceneID, c.Field, string(c.Action), curJSON, propJSON, c.Confidence, string(ChangePending), now,
		)
		if err != nil {
			return nil, fmt.Errorf("planmanager: append change: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		out = append(out, Change{
			ID: id, PlanID: planID, SceneID: c.SceneID, Field: c.Field, Action: c.Action,
			CurrentValue: c.CurrentValue, ProposedValue: c.ProposedValue, Confidence: c.Confidence,
			Status: ChangePending,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// FinalizePlan moves a plan out of PENDING once analysis is done.
func (s *Store) FinalizePlan(planID int64) (*Plan, error) {
	count, err := s.changeCount(planID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if count == 0 {
		metaJSON, err := marshal(map[string]any{"reason": "No changes detected"})
		if err != nil {
			return nil, err
		}
		_, err = s.db.Exec(
			`UPDATE analysis_plan SET status = ?, applied_at = ?, plan_metadata = ? WHERE id = ?`,
			string(PlanApplied), now, metaJSON.String, planID,
		)
		if err != nil {
			return nil, fmt.Errorf("planmanager: finalize (empty): %w", err)
		}
	} else {
		_, err = s.db.Exec(`UPDATE analysis_plan SET status = ? WHERE id = ?`, string(PlanDraft), planID)
		if err != nil {
			return nil, fmt.Errorf("planmanager: finalize: %w", err)
		}
	}
	return s.GetPlan(planID)
}

func (s *Store) changeCount(planID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM plan_change WHERE plan_id = ?`, planID).Scan(&n)
	return n, err
}

// GetChange returns a change by id, or nil if not found.
func (s *Store) GetChange(id int64) (*Change, error) {
	row := s.db.QueryRow(
		`SELECT id, plan_id, scene_id, field, action, current_value, proposed_value, confidence, status, applied, applied_at
		 FROM plan_change WHERE id = ?`, id,
	)
	return scanChange(row)
}

func scanChange(row interface{ Scan(...any) error }) (*Change, error) {
	var c Change
	var cur, prop sql.NullString
	var confidence sql.NullFloat64
	var applied int
	var appliedAt sql.NullTime

	err := row.Scan(&c.ID, &c.PlanID, &c.SceneID, &c.Field, &c.Action, &cur, &prop, &confidence, &c.Status, &applied, &appliedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("planmanager: scan change: %w", err)
	}
	c.CurrentValue = unmarshal(cur)
	c.ProposedValue = unmarshal(prop)
	if confidence.Valid {
		c.Confidence = &confidence.Float64
	}
	c.Applied = applied != 0
	if appliedAt.Valid {
		t := appliedAt.Time
		c.AppliedAt = &t
	}
	return &c, nil
}

// ListChanges returns every change for a plan, ordered by insertion (id).
func (s *Store) ListChanges(planID int64) ([]Change, error) {
	rows, err := s.db.Query(
		`SELECT id, plan_id, scene_id, field, action, current_value, proposed_value, confidence, status, applied, applied_at
		 FROM plan_change WHERE plan_id = ? ORDER BY id ASC`, planID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Change
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

var errInvalidTransition = fmt.Errorf("planmanager: invalid change status transition")

// UpdateChangeStatus enforces PENDING<->APPROVED, PENDING<->REJECTED. The
// APPROVED->APPLIED transition is only ever performed by ApplyPlan.
func (s *Store) UpdateChangeStatus(changeID int64, newStatus ChangeStatus) (*Change, error) {
	change, err := s.GetChange(changeID)
	if err != nil {
		return nil, err
	}
	if change == nil {
		return nil, nil
	}

	if !allowedManualTransition(change.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", errInvalidTransition, change.Status, newStatus)
	}

	if _, err := s.db.Exec(`UPDATE plan_change SET status = ? WHERE id = ?`, string(newStatus), changeID); err != nil {
		return nil, fmt.Errorf("planmanager: update change status: %w", err)
	}

	if _, err := s.ReconcileStatus(change.PlanID); err != nil {
		return nil, err
	}
	return s.GetChange(changeID)
}

func allowedManualTransition(from, to ChangeStatus) bool {
	switch {
	case from == ChangePending && (to == ChangeApproved || to == ChangeRejected):
		return true
	case from == ChangeApproved && to == ChangePending:
		return true
	case from == ChangeRejected && to == ChangePending:
		return true
	default:
		return false
	}
}

// BulkAction is the closed enum for BulkUpdateChanges.
type BulkAction string

const (
	BulkAcceptAll           BulkAction = "accept_all"
	BulkRejectAll           BulkAction = "reject_all"
	BulkAcceptByField       BulkAction = "accept_by_field"
	BulkRejectByField       BulkAction = "reject_by_field"
	BulkAcceptByConfidence  BulkAction = "accept_by_confidence"
)

// BulkFilter narrows BulkUpdateChanges to a subset of PENDING changes.
type BulkFilter struct {
	SceneID             *int64
	Field               *string
	ConfidenceThreshold *float64
}

// BulkUpdateChanges applies action to every PENDING change in planID
// matching filter, returning the number of changes updated.
func (s *Store) BulkUpdateChanges(planID int64, filter BulkFilter, action BulkAction) (int, error) {
	lock := s.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()

	var newStatus ChangeStatus
	switch action {
	case BulkAcceptAll, BulkAcceptByField, BulkAcceptByConfidence:
		newStatus = ChangeApproved
	case BulkRejectAll, BulkRejectByField:
		newStatus = ChangeRejected
	default:
		return 0, fmt.Errorf("planmanager: unknown bulk action %q", action)
	}

	changes, err := s.ListChanges(planID)
	if err != nil {
		return 0, err
	}

	var matched []int64
	for _, c := range changes {
		if c.Status != ChangePending {
			continue
		}
		if filter.SceneID != nil && c.SceneID != *filter.SceneID {
			continue
		}
		if filter.Field != nil && c.Field != *filter.Field {
			continue
		}
		if (action == BulkAcceptByField || action == BulkRejectByField) && filter.Field == nil {
			continue
		}
		if action == BulkAcceptByConfidence {
			if filter.ConfidenceThreshold == nil || c.Confidence == nil || *c.Confidence < *filter.ConfidenceThreshold {
				continue
			}
		}
		matched = append(matched, c.ID)
	}

	if len(matched) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, id := range matched {
		if _, err := tx.Exec(`UPDATE plan_change SET status = ? WHERE id = ?`, string(newStatus), id); err != nil {
			return 0, fmt.Errorf("planmanager: bulk update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if _, err := s.ReconcileStatus(planID); err != nil {
		return 0, err
	}
	return len(matched), nil
}

// ApplyFunc translates one approved change into an upstream mutation.
// It returns (skipped, err): skipped=true means the upstream scene was
// missing (spec.md's MissingSceneError), which still counts the change
// as applied but does not fail the batch.
type ApplyFunc func(change Change) (skipped bool, err error)

// ApplyResult summarizes one ApplyPlan call.
type ApplyResult struct {
	Total            int
	Applied          int
	Skipped          int
	Failed           int
	ModifiedSceneIDs []int64
}

// ErrPlanNotApplicable is returned when a plan's status does not satisfy
// can_be_applied (status must be DRAFT or REVIEWING).
var ErrPlanNotApplicable = fmt.Errorf("planmanager: plan is not in an applicable state")

// ApplyPlan applies changeIDs (or, if nil, every APPROVED change) against
// apply. It never touches a change whose status is not APPROVED — the
// testable property from spec.md §8 item 7 — regardless of what
// changeIDs contains; an explicit ID for a non-APPROVED change is simply
// skipped.
func (s *Store) ApplyPlan(planID int64, changeIDs []int64, apply ApplyFunc) (*ApplyResult, error) {
	lock := s.lockFor(planID)
	lock.Lock()
	defer lock.Unlock()

	plan, err := s.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("planmanager: plan %d not found", planID)
	}
	if plan.Status != PlanDraft && plan.Status != PlanReviewing {
		return nil, ErrPlanNotApplicable
	}

	all, err := s.ListChanges(planID)
	if err != nil {
		return nil, err
	}

	var candidates []Change
	if changeIDs != nil {
		want := make(map[int64]struct{}, len(changeIDs))
		for _, id := range changeIDs {
			want[id] = struct{}{}
		}
		for _, c := range all {
			if _, ok := want[c.ID]; ok && c.Status == ChangeApproved {
				candidates = append(candidates, c)
			}
		}
	} else {
		for _, c := range all {
			if c.Status == ChangeApproved {
				candidates = append(candidates, c)
			}
		}
	}

	result := &ApplyResult{Total: len(candidates)}
	now := time.Now().UTC()

	for _, c := range candidates {
		skipped, applyErr := apply(c)
		switch {
		case applyErr == nil && skipped:
			s.markApplied(c.ID, now)
			result.Skipped++
			result.Applied++
		case applyErr == nil:
			s.markApplied(c.ID, now)
			result.Applied++
			result.ModifiedSceneIDs = append(result.ModifiedSceneIDs, c.SceneID)
		default:
			// Upstream error: change remains APPROVED for retry.
			result.Failed++
		}
	}

	if _, err := s.ReconcileStatus(planID); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) markApplied(changeID int64, at time.Time) {
	s.db.Exec(
		`UPDATE plan_change SET status = ?, applied = 1, applied_at = ? WHERE id = ?`,
		string(ChangeApplied), at, changeID,
	)
}

// ReconcileStatus recomputes plan.status from its changes' status counts,
// per spec.md §4.5.
func (s *Store) ReconcileStatus(planID int64) (*Plan, error) {
	plan, err := s.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, nil
	}

	changes, err := s.ListChanges(planID)
	if err != nil {
		return nil, err
	}

	var pending, approved, rejected, applied int
	for _, c := range changes {
		switch c.Status {
		case ChangePending:
			pending++
		case ChangeApproved:
			approved++
		case ChangeRejected:
			rejected++
		case ChangeApplied:
			applied++
		}
	}

	newStatus := plan.Status
	if plan.Status == PlanDraft && (approved+rejected > 0) {
		newStatus = PlanReviewing
	}
	if pending == 0 && approved == 0 && applied > 0 {
		newStatus = PlanApplied
	}

	if newStatus == plan.Status {
		return plan, nil
	}

	if newStatus == PlanApplied && plan.AppliedAt == nil {
		now := time.Now().UTC()
		if _, err := s.db.Exec(`UPDATE analysis_plan SET status = ?, applied_at = ? WHERE id = ?`, string(newStatus), now, planID); err != nil {
			return nil, err
		}
	} else {
		if _, err := s.db.Exec(`UPDATE analysis_plan SET status = ? WHERE id = ?`, string(newStatus), planID); err != nil {
			return nil, err
		}
	}
	return s.GetPlan(planID)
}

// CancelPlan marks a plan CANCELLED, regardless of its current status
// (used when the owning analysis job itself is cancelled or fails).
func (s *Store) CancelPlan(planID int64) (*Plan, error) {
	if _, err := s.db.Exec(`UPDATE analysis_plan SET status = ? WHERE id = ?`, string(PlanCancelled), planID); err != nil {
		return nil, fmt.Errorf("planmanager: cancel plan: %w", err)
	}
	return s.GetPlan(planID)
}
