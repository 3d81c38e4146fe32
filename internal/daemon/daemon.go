// Package daemon implements the Daemon Supervisor (spec.md §4.7): hosts
// long-lived control loops, each running in its own supervised task, with
// a shared set of logging/tracking facilities backed by internal/obs and
// internal/eventbus, and jobs launched through internal/jobservice.
package daemon

import (
	"context"
	"time"
)

// Type is the closed set of daemon kinds the Supervisor knows how to
// construct, keyed to a config.Daemon.Type string via the Supervisor's
// Factory.
type Type string

const (
	TypeAutoStashSync Type = "auto_stash_sync"
	TypeTest          Type = "test"
)

// Status is the Supervisor's view of one daemon instance's lifecycle
// state, distinct from the healthy/unhealthy/stopped classification
// Health() produces.
type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusRunning Status = "RUNNING"
	StatusError   Status = "ERROR"
)

// Daemon is the contract every long-lived control loop implements. A
// daemon never calls the Job Service, Event Bus, or Observability Store
// directly; it receives a *Facilities handle scoped to its own daemon_id
// for every call, so daemon code itself stays free of plumbing.
type Daemon interface {
	Type() Type

	// OnStart initializes resources. May be a no-op.
	OnStart(ctx context.Context, f *Facilities) error

	// Run is the daemon's loop. It MUST return promptly when ctx is
	// cancelled, MUST call f.UpdateHeartbeat() periodically, and SHOULD
	// log and continue past non-fatal errors in its body rather than
	// returning (a Run that returns on its own, before the Supervisor
	// requested a stop, is treated as an unexpected exit).
	Run(ctx context.Context, f *Facilities) error

	// OnStop releases resources. Called once Run has returned, whether
	// that return was requested or unexpected.
	OnStop(ctx context.Context, f *Facilities) error
}

// HealthState is Health()'s per-daemon classification.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// staleAfter is the heartbeat-age threshold past which a running daemon is
// classified unhealthy, per spec.md §4.7's Health() definition.
const staleAfter = 2 * time.Minute
