package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/sjafferali/stashhog-core/internal/jobstore"
	"github.com/sjafferali/stashhog-core/internal/obs"
	"github.com/sjafferali/stashhog-core/internal/synccoord"
)

// JobTypeSync is the job type AutoStashSync launches once it sees a
// positive pending-scene count.
const JobTypeSync = "SYNC"

// heartbeatInterval is how often AutoStashSync calls UpdateHeartbeat while
// idling between gocron-driven ticks.
const heartbeatInterval = 10 * time.Second

// errorBackoff is the pause AutoStashSync's tick takes after any failure
// in its body, per spec.md §4.7.
const errorBackoff = 30 * time.Second

// pollInterval is how often AutoStashSync polls the Job Store while
// awaiting the completion of a SYNC job it launched.
const pollInterval = 2 * time.Second

// AutoStashSync periodically asks the Sync Coordinator how many scenes
// have changed upstream and, if any have, launches and awaits one SYNC
// job before sleeping again. Only one SYNC job is ever outstanding at a
// time, per spec.md §5's "one outstanding job at a time" backpressure
// pattern.
type AutoStashSync struct {
	sync               *synccoord.Store
	jobs               *jobstore.Store
	jobIntervalSeconds int

	mu          sync.Mutex
	outstanding string
}

// NewAutoStashSync constructs the daemon. jobIntervalSeconds is the period
// of the gocron schedule that runs the pending-count check (spec.md §4.7's
// job_interval_seconds). While a check, including the wait for the SYNC
// job it launched, is still running, due runs are skipped and rescheduled,
// so the gap between the end of one check and the start of the next can be
// shorter than the interval. A value <= 0 defaults to 5 minutes.
func NewAutoStashSync(syncStore *synccoord.Store, jobs *jobstore.Store, jobIntervalSeconds int) *AutoStashSync {
	if jobIntervalSeconds <= 0 {
		jobIntervalSeconds = 300
	}
	return &AutoStashSync{sync: syncStore, jobs: jobs, jobIntervalSeconds: jobIntervalSeconds}
}

func (d *AutoStashSync) Type() Type { return TypeAutoStashSync }

func (d *AutoStashSync) OnStart(ctx context.Context, f *Facilities) error {
	f.TrackActivity("starting")
	return nil
}

func (d *AutoStashSync) OnStop(ctx context.Context, f *Facilities) error {
	f.TrackActivity("stopped")
	return nil
}

// Run drives the outer job_interval_seconds cadence with a gocron
// scheduler (singleton mode, so a slow scheduled tick never overlaps the
// next scheduled one; the first, immediate tick runs outside the
// scheduler) and keeps the heartbeat fresh on a plain ticker in between.
func (d *AutoStashSync) Run(ctx context.Context, f *Facilities) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("autostashsync: new scheduler: %w", err)
	}
	defer sched.Shutdown()

	interval := time.Duration(d.jobIntervalSeconds) * time.Second
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { d.tick(ctx, f) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("autostashsync: schedule tick: %w", err)
	}
	sched.Start()

	// Run the first check immediately rather than waiting a full interval
	// for the scheduler's first tick.
	go d.tick(ctx, f)

	f.UpdateHeartbeat()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			f.UpdateHeartbeat()
		}
	}
}

func (d *AutoStashSync) tick(ctx context.Context, f *Facilities) {
	defer func() {
		if r := recover(); r != nil {
			f.TrackError("panic", fmt.Sprintf("%v", r))
			time.Sleep(errorBackoff)
		}
	}()

	if d.hasOutstanding() {
		return
	}

	count, err := d.sync.PendingSceneCount()
	if err != nil {
		f.TrackError("pending_count", err.Error())
		time.Sleep(errorBackoff)
		return
	}
	if count <= 0 {
		return
	}

	job, err := f.LaunchJob(ctx, JobTypeSync, map[string]any{"force": false, "pending_scenes": count}, nil)
	if err != nil {
		f.TrackError("launch", err.Error())
		time.Sleep(errorBackoff)
		return
	}

	d.setOutstanding(job.ID)
	f.TrackActivity(fmt.Sprintf("awaiting sync job %s", job.ID))
	d.awaitCompletion(ctx, f, job.ID)
	d.setOutstanding("")
}

func (d *AutoStashSync) awaitCompletion(ctx context.Context, f *Facilities, jobID string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job, err := d.jobs.Get(jobID)
		if err != nil || job == nil {
			return
		}
		if !job.Status.Terminal() {
			continue
		}

		action := obs.ActionFinished
		switch job.Status {
		case jobstore.StatusFailed:
			action = obs.ActionFailed
		case jobstore.StatusCancelled:
			action = obs.ActionCancelled
		}
		f.TrackJobAction(jobID, action, "")
		return
	}
}

func (d *AutoStashSync) hasOutstanding() bool {
	id := d.getOutstanding()
	if id == "" {
		return false
	}
	job, err := d.jobs.Get(id)
	return err == nil && job != nil && !job.Status.Terminal()
}

func (d *AutoStashSync) setOutstanding(id string) {
	d.mu.Lock()
	d.outstanding = id
	d.mu.Unlock()
}

func (d *AutoStashSync) getOutstanding() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outstanding
}
