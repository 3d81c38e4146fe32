package planmanager

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := Open(db)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestCreatePlanAndAppendChanges(t *testing.T) {
	s := openTestStore(t)
	plan, err := s.CreatePlan("Scan 2026-08-01", "", nil, nil)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if plan.Status != PlanPending {
		t.Fatalf("expected PENDING, got %s", plan.Status)
	}

	changes, err := s.AppendChanges(plan.ID, []NewChange{
		{SceneID: 1, Field: "title", Action: ActionSet, ProposedValue: map[string]any{"value": "New Title"}},
		{SceneID: 2, Field: "tags", Action: ActionAdd, ProposedValue: map[string]any{"tag_ids": []any{1.0, 2.0}}},
	})
	if err != nil {
		t.Fatalf("append changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	for _, c := range changes {
		if c.Status != ChangePending {
			t.Fatalf("expected new changes PENDING, got %s", c.Status)
		}
	}
}

func TestFinalizePlanNoChangesAppliesImmediately(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("empty", "", nil, nil)

	finalized, err := s.FinalizePlan(plan.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if finalized.Status != PlanApplied {
		t.Fatalf("expected APPLIED for empty plan, got %s", finalized.Status)
	}
	if finalized.AppliedAt == nil {
		t.Fatal("expected applied_at to be set")
	}
	if finalized.Metadata["reason"] != "No changes detected" {
		t.Fatalf("expected reason metadata, got %+v", finalized.Metadata)
	}
}

func TestFinalizePlanWithChangesGoesToDraft(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("with changes", "", nil, nil)
	s.AppendChanges(plan.ID, []NewChange{{SceneID: 1, Field: "title", Action: ActionSet}})

	finalized, err := s.FinalizePlan(plan.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if finalized.Status != PlanDraft {
		t.Fatalf("expected DRAFT, got %s", finalized.Status)
	}
}

func TestUpdateChangeStatusReconcilesPlanToReviewing(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("p", "", nil, nil)
	changes, _ := s.AppendChanges(plan.ID, []NewChange{
		{SceneID: 1, Field: "title", Action: ActionSet},
		{SceneID: 2, Field: "title", Action: ActionSet},
	})
	s.FinalizePlan(plan.ID)

	_, err := s.UpdateChangeStatus(changes[0].ID, ChangeApproved)
	if err != nil {
		t.Fatalf("update change status: %v", err)
	}

	reconciled, err := s.GetPlan(plan.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if reconciled.Status != PlanReviewing {
		t.Fatalf("expected REVIEWING, got %s", reconciled.Status)
	}
}

func TestUpdateChangeStatusRejectsInvalidTransition(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("p", "", nil, nil)
	changes, _ := s.AppendChanges(plan.ID, []NewChange{{SceneID: 1, Field: "title", Action: ActionSet}})
	s.FinalizePlan(plan.ID)

	s.UpdateChangeStatus(changes[0].ID, ChangeApproved)
	_, err := s.UpdateChangeStatus(changes[0].ID, ChangeRejected)
	if !errors.Is(err, errInvalidTransition) {
		t.Fatalf("expected invalid transition error, got %v", err)
	}
}

func TestBulkUpdateChangesAcceptByConfidence(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("p", "", nil, nil)
	high, low := 0.9, 0.2
	changes, _ := s.AppendChanges(plan.ID, []NewChange{
		{SceneID: 1, Field: "title", Action: ActionSet, Confidence: &high},
		{SceneID: 2, Field: "title", Action: ActionSet, Confidence: &low},
	})
	s.FinalizePlan(plan.ID)

	threshold := 0.5
	n, err := s.BulkUpdateChanges(plan.ID, BulkFilter{ConfidenceThreshold: &threshold}, BulkAcceptByConfidence)
	if err != nil {
		t.Fatalf("bulk update: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 accepted, got %d", n)
	}

	got, _ := s.GetChange(changes[0].ID)
	if got.Status != ChangeApproved {
		t.Fatalf("expected high-confidence change approved, got %s", got.Status)
	}
	low2, _ := s.GetChange(changes[1].ID)
	if low2.Status != ChangePending {
		t.Fatalf("expected low-confidence change untouched, got %s", low2.Status)
	}
}

func TestApplyPlanRequiresApplicableStatus(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("p", "", nil, nil)
	// Still PENDING (never finalized).
	_, err := s.ApplyPlan(plan.ID, nil, func(Change) (bool, error) { return false, nil })
	if !errors.Is(err, ErrPlanNotApplicable) {
		t.Fatalf("expected ErrPlanNotApplicable, got %v", err)
	}
}

func TestApplyPlanOnlyTouchesApprovedChanges(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("p", "", nil, nil)
	changes, _ := s.AppendChanges(plan.ID, []NewChange{
		{SceneID: 1, Field: "title", Action: ActionSet},
		{SceneID: 2, Field: "title", Action: ActionSet},
	})
	s.FinalizePlan(plan.ID)
	s.UpdateChangeStatus(changes[0].ID, ChangeApproved)
	// changes[1] remains PENDING.

	applied := map[int64]bool{}
	result, err := s.ApplyPlan(plan.ID, nil, func(c Change) (bool, error) {
		applied[c.ID] = true
		return false, nil
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Total != 1 || result.Applied != 1 {
		t.Fatalf("expected exactly 1 applied, got %+v", result)
	}
	if applied[changes[1].ID] {
		t.Fatal("apply must never touch a PENDING change via the implicit (nil) change set")
	}

	final, _ := s.GetPlan(plan.ID)
	if final.Status != PlanReviewing {
		t.Fatalf("expected REVIEWING (one change still pending), got %s", final.Status)
	}
}

func TestApplyPlanSkipsMissingSceneWithoutFailingBatch(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("p", "", nil, nil)
	changes, _ := s.AppendChanges(plan.ID, []NewChange{{SceneID: 404, Field: "title", Action: ActionSet}})
	s.FinalizePlan(plan.ID)
	s.UpdateChangeStatus(changes[0].ID, ChangeApproved)

	result, err := s.ApplyPlan(plan.ID, nil, func(c Change) (bool, error) {
		return true, nil // scene missing
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Skipped != 1 || result.Applied != 1 || result.Failed != 0 {
		t.Fatalf("expected a skip to still count as applied, got %+v", result)
	}

	got, _ := s.GetChange(changes[0].ID)
	if got.Status != ChangeApplied {
		t.Fatalf("expected skipped change marked APPLIED, got %s", got.Status)
	}
}

func TestApplyPlanKeepsFailedChangesApprovedForRetry(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("p", "", nil, nil)
	changes, _ := s.AppendChanges(plan.ID, []NewChange{{SceneID: 1, Field: "title", Action: ActionSet}})
	s.FinalizePlan(plan.ID)
	s.UpdateChangeStatus(changes[0].ID, ChangeApproved)

	result, err := s.ApplyPlan(plan.ID, nil, func(c Change) (bool, error) {
		return false, errors.New("upstream exploded")
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.Failed != 1 || result.Applied != 0 {
		t.Fatalf("expected 1 failed, 0 applied, got %+v", result)
	}

	got, _ := s.GetChange(changes[0].ID)
	if got.Status != ChangeApproved {
		t.Fatalf("expected change to remain APPROVED for retry, got %s", got.Status)
	}
}

func TestReconcileStatusToAppliedWhenNothingOutstanding(t *testing.T) {
	s := openTestStore(t)
	plan, _ := s.CreatePlan("p", "", nil, nil)
	changes, _ := s.AppendChanges(plan.ID, []NewChange{{SceneID: 1, Field: "title", Action: ActionSet}})
	s.FinalizePlan(plan.ID)
	s.UpdateChangeStatus(changes[0].ID, ChangeApproved)

	_, err := s.ApplyPlan(plan.ID, nil, func(Change) (bool, error) { return false, nil })
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	final, _ := s.GetPlan(plan.ID)
	if final.Status != PlanApplied {
		t.Fatalf("expected APPLIED once nothing pending/approved remains, got %s", final.Status)
	}
	if final.AppliedAt == nil {
		t.Fatal("expected applied_at to be stamped")
	}
}
