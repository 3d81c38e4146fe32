package jobstore

import (
	"database/sql"
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

func TestCreateAndGet(t *testing.T) {
	s := openTestStore(t)

	j, err := s.Create("job-1", "sync_scenes", map[string]any{"since": "2026-01-01"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", j.Status)
	}
	if j.Parameters["since"] != "2026-01-01" {
		t.Fatalf("parameters not round-tripped: %+v", j.Parameters)
	}

	got, err := s.Get("job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.ID != "job-1" {
		t.Fatalf("unexpected get result: %+v", got)
	}
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	got, err := s.Get("nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestUpdateStatusStampsStartedAndCompleted(t *testing.T) {
	s := openTestStore(t)
	s.Create("job-1", "sync_scenes", nil, nil)

	running, err := s.UpdateStatus("job-1", StatusRunning, StatusUpdate{})
	if err != nil {
		t.Fatalf("update to running: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("expected started_at to be stamped")
	}
	if running.CompletedAt != nil {
		t.Fatal("did not expect completed_at yet")
	}

	done, err := s.UpdateStatus("job-1", StatusCompleted, StatusUpdate{})
	if err != nil {
		t.Fatalf("update to completed: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at to be stamped")
	}
}

func TestTerminalStatusIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	s.Create("job-1", "sync_scenes", nil, nil)
	s.UpdateStatus("job-1", StatusRunning, StatusUpdate{})

	failMsg := "boom"
	failed, err := s.UpdateStatus("job-1", StatusFailed, StatusUpdate{Error: &failMsg})
	if err != nil {
		t.Fatalf("update to failed: %v", err)
	}
	if failed.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", failed.Status)
	}

	// Further transitions on a terminal job are no-ops.
	again, err := s.UpdateStatus("job-1", StatusRunning, StatusUpdate{})
	if err != nil {
		t.Fatalf("update after terminal: %v", err)
	}
	if again.Status != StatusFailed {
		t.Fatalf("terminal status should be monotonic, got %s", again.Status)
	}
}

func TestUpdateStatusClampsProgress(t *testing.T) {
	s := openTestStore(t)
	s.Create("job-1", "sync_scenes", nil, nil)

	over := 150
	j, err := s.UpdateStatus("job-1", StatusRunning, StatusUpdate{Progress: &over})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if j.Progress != 100 {
		t.Fatalf("expected progress clamped to 100, got %d", j.Progress)
	}
}

func TestListFiltersByStatusAndType(t *testing.T) {
	s := openTestStore(t)
	s.Create("job-1", "sync_scenes", nil, nil)
	s.Create("job-2", "analyze_scenes", nil, nil)
	s.UpdateStatus("job-2", StatusRunning, StatusUpdate{})

	running := StatusRunning
	jobs, err := s.List(ListFilter{Status: &running})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-2" {
		t.Fatalf("expected only job-2, got %+v", jobs)
	}

	typ := "sync_scenes"
	jobs, err = s.List(ListFilter{Type: &typ})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("expected only job-1, got %+v", jobs)
	}
}

func TestActiveExcludesTerminalJobs(t *testing.T) {
	s := openTestStore(t)
	s.Create("job-1", "sync_scenes", nil, nil)
	s.Create("job-2", "sync_scenes", nil, nil)
	s.UpdateStatus("job-2", StatusRunning, StatusUpdate{})
	s.UpdateStatus("job-2", StatusCompleted, StatusUpdate{})

	active, err := s.Active(nil)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].ID != "job-1" {
		t.Fatalf("expected only job-1 active, got %+v", active)
	}
}

func TestReclaimStaleFailsInFlightJobs(t *testing.T) {
	s := openTestStore(t)
	s.Create("job-1", "sync_scenes", nil, nil)
	s.UpdateStatus("job-1", StatusRunning, StatusUpdate{})
	s.Create("job-2", "sync_scenes", nil, nil)

	n, err := s.ReclaimStale()
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", n)
	}

	j1, _ := s.Get("job-1")
	if j1.Status != StatusFailed || j1.Error != "stale after restart" {
		t.Fatalf("expected job-1 failed with stale marker, got %+v", j1)
	}
	j2, _ := s.Get("job-2")
	if j2.Status != StatusPending {
		t.Fatalf("expected job-2 untouched, got %s", j2.Status)
	}
}

func TestCleanupOldDeletesOnlyTerminalPastCutoff(t *testing.T) {
	s := openTestStore(t)
	s.Create("job-1", "sync_scenes", nil, nil)
	s.UpdateStatus("job-1", StatusRunning, StatusUpdate{})
	s.UpdateStatus("job-1", StatusCompleted, StatusUpdate{})
	s.Create("job-2", "sync_scenes", nil, nil)

	n, err := s.CleanupOld(0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}

	remaining, err := s.Get("job-2")
	if err != nil || remaining == nil {
		t.Fatalf("expected job-2 to remain: %v %+v", err, remaining)
	}
}
