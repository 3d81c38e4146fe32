package stashclient

import (
	"context"
	"time"
)

// ProgressFunc reports a poll tick's (progress, description) to the
// caller; invoked only when either value changed since the last tick.
type ProgressFunc func(progress int, description string)

// CancelSignal reports whether the owning job has been asked to cancel.
type CancelSignal interface {
	Cancelled() bool
}

// PollResult is the terminal outcome of PollStashJob.
type PollResult string

const (
	PollCompleted PollResult = "completed"
	PollFailed    PollResult = "failed"
	PollCancelled PollResult = "cancelled"
)

const pollInterval = 2 * time.Second

// PollStashJob polls FindJob every 2s until the upstream job reaches a
// terminal state, reporting progress as it changes. If cancel reports
// true, StopJob is requested exactly once, and polling continues until
// the upstream itself reports a terminal status.
func (c *Client) PollStashJob(ctx context.Context, jobID string, report ProgressFunc, cancel CancelSignal) (PollResult, string, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	lastProgress := -1
	lastDescription := ""
	stopRequested := false

	for {
		job, err := c.FindJob(ctx, jobID)
		if err != nil {
			return PollFailed, "", err
		}
		if job == nil {
			return PollFailed, "upstream job not found", nil
		}

		pct := int(job.Progress * 100)
		if report != nil && (pct != lastProgress || job.Description != lastDescription) {
			report(pct, job.Description)
			lastProgress = pct
			lastDescription = job.Description
		}

		switch job.Status {
		case UpstreamFinished:
			return PollCompleted, job.Description, nil
		case UpstreamFailed:
			return PollFailed, job.Error, nil
		case UpstreamCancelled:
			return PollCancelled, job.Description, nil
		case UpstreamStopping:
			// Keep polling; not yet terminal.
		case UpstreamRunning, UpstreamReady:
			// Keep polling.
		}

		if cancel != nil && cancel.Cancelled() && !stopRequested {
			stopRequested = true
			// Best-effort: a failure to stop is not fatal, polling
			// continues regardless until the upstream itself settles.
			_ = c.StopJob(ctx, jobID)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return PollFailed, "", ctx.Err()
		}
	}
}
