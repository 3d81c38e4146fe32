// Package obs implements the ambient observability concerns shared by every
// job and daemon: job-context log propagation, per-daemon error/activity/
// metric recording with occurrence coalescing, and Prometheus export.
package obs

import (
	"context"
	"log/slog"
)

type jobContextKey struct{}

// JobContext is the structured information attached to every log line
// emitted while a job (or a nested sub-job) is executing.
type JobContext struct {
	JobID        string
	JobType      string
	ParentJobID  string
}

// WithJobContext returns a child context carrying jobCtx. Nesting works by
// ordinary context.Context scoping: the caller's existing context (and
// whatever JobContext it carried) is restored automatically once the
// derived context goes out of scope, with no explicit stack to manage.
func WithJobContext(ctx context.Context, jobID, jobType, parentJobID string) context.Context {
	return context.WithValue(ctx, jobContextKey{}, JobContext{
		JobID:       jobID,
		JobType:     jobType,
		ParentJobID: parentJobID,
	})
}

// JobContextFrom extracts the JobContext previously attached with
// WithJobContext, if any.
func JobContextFrom(ctx context.Context) (JobContext, bool) {
	jc, ok := ctx.Value(jobContextKey{}).(JobContext)
	return jc, ok
}

// Logger returns base annotated with the job context carried by ctx, if
// any. When ctx carries no job context, base is returned unchanged.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	jc, ok := JobContextFrom(ctx)
	if !ok {
		return base
	}
	l := base.With("job_type", jc.JobType, "job_id", jc.JobID)
	if jc.ParentJobID != "" {
		l = l.With("parent_job_id", jc.ParentJobID)
	}
	return l
}

type daemonContextKey struct{}

// WithDaemonContext attaches a daemon id/name to ctx for log propagation
// inside a daemon's Run loop, the daemon analogue of WithJobContext.
func WithDaemonContext(ctx context.Context, daemonID, daemonName string) context.Context {
	return context.WithValue(ctx, daemonContextKey{}, [2]string{daemonID, daemonName})
}

// DaemonLogger returns base annotated with the daemon context carried by
// ctx, if any.
func DaemonLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	v, ok := ctx.Value(daemonContextKey{}).([2]string)
	if !ok {
		return base
	}
	return base.With("daemon_id", v[0], "daemon_name", v[1])
}
