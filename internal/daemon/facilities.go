package daemon

import (
	"context"
	"fmt"

	"github.com/sjafferali/stashhog-core/internal/jobstore"
	"github.com/sjafferali/stashhog-core/internal/obs"
)

// Facilities is the handle a running daemon uses to log, record
// observability facts, and launch jobs, all pre-scoped to one daemon_id so
// daemon code never touches the Observability Store, Event Bus, or Job
// Service directly.
type Facilities struct {
	sup        *Supervisor
	daemonID   string
	daemonName string
}

// Log persists a DaemonLog row and publishes it on the daemon_log topic.
func (f *Facilities) Log(level obs.LogLevel, msg string) {
	if err := f.sup.store.RecordLog(f.daemonID, level, msg); err != nil {
		f.sup.logger.Error("daemon: record log failed", "daemon", f.daemonName, "error", err)
	}
	f.sup.bus.Publish("daemon_log:"+f.daemonID, map[string]any{
		"type":      "daemon_log",
		"daemon_id": f.daemonID,
		"daemon":    f.daemonName,
		"level":     string(level),
		"message":   msg,
	})
}

// TrackJobAction records one entry in the daemon's job-action history and
// publishes it on the daemon_job_action topic.
func (f *Facilities) TrackJobAction(jobID string, action obs.JobAction, reason string) {
	if err := f.sup.store.RecordJobAction(f.daemonID, jobID, action, reason); err != nil {
		f.sup.logger.Error("daemon: record job action failed", "daemon", f.daemonName, "error", err)
	}
	f.sup.bus.Publish("daemon_job_action:"+f.daemonID, map[string]any{
		"type":      "daemon_job_action",
		"daemon_id": f.daemonID,
		"job_id":    jobID,
		"action":    string(action),
		"reason":    reason,
	})
}

// TrackActivity records the daemon's current activity description.
func (f *Facilities) TrackActivity(activity string) {
	if err := f.sup.store.RecordActivity(f.daemonID, activity); err != nil {
		f.sup.logger.Error("daemon: record activity failed", "daemon", f.daemonName, "error", err)
	}
}

// TrackError records a coalesced DaemonError row.
func (f *Facilities) TrackError(errorType, message string) {
	if err := f.sup.store.RecordError(f.daemonID, errorType, message); err != nil {
		f.sup.logger.Error("daemon: record error failed", "daemon", f.daemonName, "error", err)
	}
	f.Log(obs.LogError, fmt.Sprintf("%s: %s", errorType, message))
}

// TrackMetric records a point-in-time DaemonMetric value.
func (f *Facilities) TrackMetric(name string, value float64) {
	if err := f.sup.store.RecordMetric(f.daemonID, name, value); err != nil {
		f.sup.logger.Error("daemon: record metric failed", "daemon", f.daemonName, "error", err)
	}
}

// UpdateProgress is a convenience that records the daemon's current
// activity text alongside a numeric progress metric, for daemons that
// perform a multi-step unit of work outside the Job Service.
func (f *Facilities) UpdateProgress(pct int, message string) {
	if message != "" {
		f.TrackActivity(message)
	}
	f.TrackMetric("progress", float64(pct))
}

// UpdateHeartbeat records that the daemon's Run loop is still alive.
// Supervisor.Health() uses the age of the most recent heartbeat to decide
// whether a running daemon counts as healthy.
func (f *Facilities) UpdateHeartbeat() {
	f.sup.recordHeartbeat(f.daemonName)
}

// LaunchJob is a convenience over the Job Service that also records the
// LAUNCHED job action against this daemon.
func (f *Facilities) LaunchJob(ctx context.Context, jobType string, params, meta map[string]any) (*jobstore.Job, error) {
	job, err := f.sup.jobs.Launch(ctx, jobType, params, meta)
	if err != nil {
		return nil, err
	}
	f.TrackJobAction(job.ID, obs.ActionLaunched, "")
	return job, nil
}
