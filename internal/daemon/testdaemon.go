package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/sjafferali/stashhog-core/internal/obs"
)

// TestDaemon exercises the Daemon contract end to end: a steady heartbeat,
// periodic logging, and — if configured with a job type — launching a
// demo job every few ticks. It records each launch but does not wait for
// or track the launched job. It exists to prove the
// Supervisor's lifecycle and the Facilities wiring work, not to do useful
// work of its own.
type TestDaemon struct {
	heartbeatEvery time.Duration
	jobType        string
	tick           int
}

// NewTestDaemon constructs the daemon. jobType may be empty to skip the
// job-launch demonstration entirely.
func NewTestDaemon(heartbeatEvery time.Duration, jobType string) *TestDaemon {
	if heartbeatEvery <= 0 {
		heartbeatEvery = 5 * time.Second
	}
	return &TestDaemon{heartbeatEvery: heartbeatEvery, jobType: jobType}
}

func (d *TestDaemon) Type() Type { return TypeTest }

func (d *TestDaemon) OnStart(ctx context.Context, f *Facilities) error {
	f.TrackActivity("starting")
	f.Log(obs.LogInfo, "test daemon starting")
	return nil
}

func (d *TestDaemon) OnStop(ctx context.Context, f *Facilities) error {
	f.Log(obs.LogInfo, "test daemon stopping")
	return nil
}

func (d *TestDaemon) Run(ctx context.Context, f *Facilities) error {
	ticker := time.NewTicker(d.heartbeatEvery)
	defer ticker.Stop()

	f.UpdateHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			f.UpdateHeartbeat()
			d.tick++
			f.Log(obs.LogInfo, fmt.Sprintf("heartbeat #%d", d.tick))
			f.TrackMetric("tick", float64(d.tick))

			if d.jobType == "" || d.tick%5 != 0 {
				continue
			}
			job, err := f.LaunchJob(ctx, d.jobType, map[string]any{"demo": true}, nil)
			if err != nil {
				f.TrackError("launch", err.Error())
				continue
			}
			f.TrackActivity(fmt.Sprintf("launched demo job %s", job.ID))
		}
	}
}
