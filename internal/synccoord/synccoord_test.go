package synccoord

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

type fakeCounter struct {
	calls []struct {
		entityType string
		since      *time.Time
	}
	count int
	err   error
}

func (f *fakeCounter) CountUpdatedSince(entityType string, since *time.Time) (int, error) {
	f.calls = append(f.calls, struct {
		entityType string
		since      *time.Time
	}{entityType, since})
	return f.count, f.err
}

func openTestStore(t *testing.T, counter PendingCounter) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := Open(db, counter)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestLastSyncNoneReturnsNil(t *testing.T) {
	s := openTestStore(t, nil)
	last, err := s.LastSync(EntityScene)
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if last != nil {
		t.Fatalf("expected nil, got %v", last)
	}
}

func TestBeginAndFinishSyncUpdatesLastSync(t *testing.T) {
	s := openTestStore(t, nil)
	id, err := s.BeginSync(EntityScene, "job-1")
	if err != nil {
		t.Fatalf("begin sync: %v", err)
	}

	if err := s.FinishSync(id, SyncCompleted, Counters{Synced: 5, Created: 2}, nil); err != nil {
		t.Fatalf("finish sync: %v", err)
	}

	last, err := s.LastSync(EntityScene)
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if last == nil {
		t.Fatal("expected a last sync timestamp after completing")
	}

	hist, err := s.GetHistory(id)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if hist.ItemsSynced != 5 || hist.ItemsCreated != 2 {
		t.Fatalf("unexpected counters: %+v", hist)
	}
}

func TestFailedSyncDoesNotCountAsLastSync(t *testing.T) {
	s := openTestStore(t, nil)
	id, _ := s.BeginSync(EntityScene, "job-1")
	s.FinishSync(id, SyncFailed, Counters{}, map[string]any{"reason": "boom"})

	last, err := s.LastSync(EntityScene)
	if err != nil {
		t.Fatalf("last sync: %v", err)
	}
	if last != nil {
		t.Fatalf("expected nil (only completed syncs count), got %v", last)
	}
}

func TestPendingCountPassesLastSyncToUpstream(t *testing.T) {
	counter := &fakeCounter{count: 7}
	s := openTestStore(t, counter)

	n, err := s.PendingCount(EntityScene)
	if err != nil {
		t.Fatalf("pending count: %v", err)
	}
	if n != 7 {
		t.Fatalf("expected 7, got %d", n)
	}
	if len(counter.calls) != 1 || counter.calls[0].since != nil {
		t.Fatalf("expected first call with nil since, got %+v", counter.calls)
	}

	id, _ := s.BeginSync(EntityScene, "job-1")
	s.FinishSync(id, SyncCompleted, Counters{Synced: 1}, nil)

	if _, err := s.PendingCount(EntityScene); err != nil {
		t.Fatalf("pending count 2: %v", err)
	}
	if counter.calls[1].since == nil {
		t.Fatal("expected second call to pass a non-nil since once a sync has completed")
	}
}

func TestUpstreamTimestampDropsMicrosecondsAndUsesLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ts := time.Date(2026, 8, 1, 12, 30, 45, 123456789, time.UTC)
	got := UpstreamTimestamp(ts, loc)
	want := ts.In(loc).Format("2006-01-02T15:04:05Z")
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}
