// Package synccoord implements the Sync Coordinator (spec.md §4.6): the
// single source of truth for "what needs syncing" against the upstream
// Stash server, and the append-only audit trail of sync attempts.
package synccoord

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// EntityType is the closed set of syncable entity classes.
type EntityType string

const (
	EntityScene     EntityType = "scene"
	EntityPerformer EntityType = "performer"
	EntityTag       EntityType = "tag"
	EntityStudio    EntityType = "studio"
)

// SyncStatus is the closed SyncHistory status enum.
type SyncStatus string

const (
	SyncInProgress SyncStatus = "in_progress"
	SyncCompleted  SyncStatus = "completed"
	SyncFailed     SyncStatus = "failed"
)

// History is one sync_history row.
type History struct {
	ID            int64
	EntityType    EntityType
	JobID         string
	StartedAt     time.Time
	CompletedAt   *time.Time
	Status        SyncStatus
	ItemsSynced   int
	ItemsCreated  int
	ItemsUpdated  int
	ItemsFailed   int
	ErrorDetails  map[string]any
}

// Counters reports the outcome of one sync attempt, passed to FinishSync.
type Counters struct {
	Synced  int
	Created int
	Updated int
	Failed  int
}

// PendingCounter asks the upstream how many entities of a type have
// changed since a given timestamp. The Stash Client satisfies this
// interface; synccoord depends only on the method it needs, keyed by the
// entity type's string form so neither package needs to import the
// other's types.
type PendingCounter interface {
	CountUpdatedSince(entityType string, since *time.Time) (int, error)
}

// Store is the SQLite-backed Sync Coordinator.
type Store struct {
	db     *sql.DB
	stash  PendingCounter
}

// Open opens (or creates) the sync_history table. stash may be nil in
// tests that only exercise BeginSync/FinishSync/LastSync.
func Open(db *sql.DB, stash PendingCounter) (*Store, error) {
	s := &Store{db: db, stash: stash}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			job_id TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			status TEXT NOT NULL,
			items_synced INTEGER NOT NULL DEFAULT 0,
			items_created INTEGER NOT NULL DEFAULT 0,
			items_updated INTEGER NOT NULL DEFAULT 0,
			items_failed INTEGER NOT NULL DEFAULT 0,
			error_details TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_history_lookup ON sync_history(entity_type, status, completed_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("synccoord: migrate: %w", err)
		}
	}
	return nil
}

// LastSync returns the most recent completed_at among successful syncs
// of entityType, or nil if none have ever completed successfully.
func (s *Store) LastSync(entityType EntityType) (*time.Time, error) {
	var completedAt sql.NullTime
	err := s.db.QueryRow(
		`SELECT MAX(completed_at) FROM sync_history WHERE entity_type = ? AND status = ?`,
		string(entityType), string(SyncCompleted),
	).Scan(&completedAt)
	if err != nil {
		return nil, fmt.Errorf("synccoord: last sync: %w", err)
	}
	if !completedAt.Valid {
		return nil, nil
	}
	t := completedAt.Time.UTC()
	return &t, nil
}

// PendingCount returns how many entities of entityType have changed
// since the last successful sync (or the total count, if none has ever
// completed), by delegating to the Stash Client.
func (s *Store) PendingCount(entityType EntityType) (int, error) {
	if s.stash == nil {
		return 0, fmt.Errorf("synccoord: no upstream client configured")
	}
	since, err := s.LastSync(entityType)
	if err != nil {
		return 0, err
	}
	return s.stash.CountUpdatedSince(string(entityType), since)
}

// PendingSceneCount is the spec's named convenience for the scene entity
// type specifically — the only one AutoStashSync actually acts on.
func (s *Store) PendingSceneCount() (int, error) {
	return s.PendingCount(EntityScene)
}

// BeginSync inserts an in_progress sync_history row.
func (s *Store) BeginSync(entityType EntityType, jobID string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO sync_history (entity_type, job_id, started_at, status)
		 VALUES (?, ?, ?, ?)`,
		string(entityType), jobID, now, string(SyncInProgress),
	)
	if err != nil {
		return 0, fmt.Errorf("synccoord: begin sync: %w", err)
	}
	return res.LastInsertId()
}

// FinishSync sets completed_at and the final status/counters for a sync
// attempt. errorDetails may be nil.
func (s *Store) FinishSync(syncID int64, status SyncStatus, counters Counters, errorDetails map[string]any) error {
	var errJSON sql.NullString
	if errorDetails != nil {
		b, err := json.Marshal(errorDetails)
		if err != nil {
			return err
		}
		errJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE sync_history
		 SET completed_at = ?, status = ?, items_synced = ?, items_created = ?, items_updated = ?, items_failed = ?, error_details = ?
		 WHERE id = ?`,
		now, string(status), counters.Synced, counters.Created, counters.Updated, counters.Failed, errJSON, syncID,
	)
	if err != nil {
		return fmt.Errorf("synccoord: finish sync: %w", err)
	}
	return nil
}

// GetHistory returns one sync_history row.
func (s *Store) GetHistory(syncID int64) (*History, error) {
	row := s.db.QueryRow(
		`SELECT id, entity_type, job_id, started_at, completed_at, status,
		        items_synced, items_created, items_updated, items_failed, error_details
		 FROM sync_history WHERE id = ?`, syncID,
	)
	var h History
	var completedAt sql.NullTime
	var errDetails sql.NullString
	err := row.Scan(&h.ID, &h.EntityType, &h.JobID, &h.StartedAt, &completedAt, &h.Status,
		&h.ItemsSynced, &h.ItemsCreated, &h.ItemsUpdated, &h.ItemsFailed, &errDetails)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("synccoord: get history: %w", err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		h.CompletedAt = &t
	}
	if errDetails.Valid {
		var m map[string]any
		json.Unmarshal([]byte(errDetails.String), &m)
		h.ErrorDetails = m
	}
	return &h, nil
}

// UpstreamTimestamp formats t with second precision (microseconds
// dropped), in loc, using the %Y-%m-%dT%H:%M:%SZ layout the upstream
// filter shape requires (spec.md §6.1). loc is the upstream server's
// configured timezone (default America/Los_Angeles), not UTC — the
// upstream interprets the literal wall-clock value in its own zone.
func UpstreamTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Truncate(time.Second).Format("2006-01-02T15:04:05Z")
}
