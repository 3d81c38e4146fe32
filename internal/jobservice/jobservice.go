// Package jobservice implements the Job Service (spec.md §4.4): the
// orchestration layer between job submission, the mutual-exclusion rules
// for job types/groups, the Task Runner, and the Job Store, publishing
// job_update events on the bus as jobs progress.
package jobservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sjafferali/stashhog-core/internal/eventbus"
	"github.com/sjafferali/stashhog-core/internal/jobstore"
	"github.com/sjafferali/stashhog-core/internal/obs"
	"github.com/sjafferali/stashhog-core/internal/taskrunner"
)

// TypeSpec describes one job type's static metadata, the Job Type
// Registry referenced throughout spec.md §4.4. It plays the same role as
// the teacher's per-role dispatch configuration (coder/reviewer tiers),
// generalized from two hardcoded roles to an open, registerable set of
// job types.
type TypeSpec struct {
	Type            string
	Group           string // mutual-exclusion group; defaults to Type if empty
	AllowConcurrent bool   // if true, no lock is taken at all
	Handler         taskrunner.Handler
}

// Registry is the set of known job types.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]TypeSpec
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]TypeSpec)}
}

// Register adds or replaces a job type's spec.
func (r *Registry) Register(spec TypeSpec) {
	if spec.Group == "" {
		spec.Group = spec.Type
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Type] = spec
}

func (r *Registry) lookup(jobType string) (TypeSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[jobType]
	return s, ok
}

// Service wires the Job Store, Task Runner and Event Bus together.
type Service struct {
	store    *jobstore.Store
	pool     *taskrunner.Pool
	bus      *eventbus.Bus
	registry *Registry
	metrics  *obs.Metrics
	logger   *slog.Logger
	locks    *namedLock

	pendingMu sync.Mutex
	pending   map[string]context.CancelFunc // jobID -> cancel for a job still blocked on its lock wait
}

// New constructs a Service. metrics may be nil in tests.
func New(store *jobstore.Store, pool *taskrunner.Pool, bus *eventbus.Bus, registry *Registry, metrics *obs.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		pool:     pool,
		bus:      bus,
		registry: registry,
		metrics:  metrics,
		logger:   logger,
		locks:    newNamedLock(),
		pending:  make(map[string]context.CancelFunc),
	}
}

// registerPending records the cancel func for a job currently waiting on
// its type/group lock, so Cancel can interrupt that wait.
func (s *Service) registerPending(jobID string, cancel context.CancelFunc) {
	s.pendingMu.Lock()
	s.pending[jobID] = cancel
	s.pendingMu.Unlock()
}

// clearPending drops jobID's pending-wait cancel func once its lock wait
// has ended (acquired or cancelled), so Cancel stops treating it as
// lock-blocked and falls through to the running-job path instead.
func (s *Service) clearPending(jobID string) {
	s.pendingMu.Lock()
	delete(s.pending, jobID)
	s.pendingMu.Unlock()
}

// takePending atomically removes and returns jobID's lock-wait cancel
// func, if it is still waiting.
func (s *Service) takePending(jobID string) (context.CancelFunc, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	cancel, ok := s.pending[jobID]
	if ok {
		delete(s.pending, jobID)
	}
	return cancel, ok
}

// SetPool wires the Task Runner into the Service after construction. This
// two-step wiring exists because the Pool's onDone callback is the
// Service's own FinishJob method: the composition root (and tests)
// construct the Service with a nil pool, build the Pool with
// taskrunner.NewPool(workers, svc.FinishJob), then call SetPool.
func (s *Service) SetPool(pool *taskrunner.Pool) {
	s.pool = pool
}

// ErrUnknownJobType is returned by Launch for an unregistered job type.
type ErrUnknownJobType struct{ Type string }

func (e *ErrUnknownJobType) Error() string {
	return fmt.Sprintf("jobservice: unknown job type %q", e.Type)
}

// Launch creates a job record and, once its type/group's mutual-exclusion
// lock (if any) is available, submits it to the Task Runner. The lock
// acquisition happens asynchronously so Launch itself returns immediately
// with the PENDING job; callers observe progress via the event bus or by
// polling the Job Store.
func (s *Service) Launch(ctx context.Context, jobType string, params, meta map[string]any) (*jobstore.Job, error) {
	spec, ok := s.registry.lookup(jobType)
	if !ok {
		return nil, &ErrUnknownJobType{Type: jobType}
	}

	id := uuid.NewString()
	job, err := s.store.Create(id, jobType, params, meta)
	if err != nil {
		return nil, fmt.Errorf("jobservice: create: %w", err)
	}

	if s.metrics != nil {
		s.metrics.JobsCreated.WithLabelValues(jobType).Inc()
	}
	s.publish(job)

	go s.runWhenReady(spec, job)

	return job, nil
}

// runWhenReady waits for job's type/group lock (if any) and then runs it.
// The wait is cancellable per job (spec.md §4.4(a)/(g)): waitCtx is
// cancelled only by Cancel calling the func registered via
// registerPending, never by an outer deadline, so a lock.Acquire error
// here always means a user-initiated cancel — Cancel cancels waitCtx and
// then records the PENDING -> CANCELLED transition itself, so there is
// nothing left to record on that path.
func (s *Service) runWhenReady(spec TypeSpec, job *jobstore.Job) {
	waitCtx, cancelWait := context.WithCancel(context.Background())
	s.registerPending(job.ID, cancelWait)

	var release func()
	if !spec.AllowConcurrent {
		msg := fmt.Sprintf("Waiting for another %s job to complete", strings.ToLower(spec.Type))
		if updated, err := s.store.UpdateStatus(job.ID, jobstore.StatusPending, jobstore.StatusUpdate{Message: &msg}); err == nil && updated != nil {
			s.publish(updated)
		}

		r, err := s.locks.Acquire(waitCtx, spec.Group)
		s.clearPending(job.ID)
		if err != nil {
			return
		}
		release = r
	} else {
		s.clearPending(job.ID)
	}

	s.run(spec, job, release)
}

func (s *Service) run(spec TypeSpec, job *jobstore.Job, release func()) {
	// Submit starts the handler on a worker goroutine and returns at once,
	// so the lock is released when the handler returns, not when run does.
	handler := spec.Handler
	submitted := false
	if release != nil {
		defer func() {
			if !submitted {
				release()
			}
		}()
		handler = func(ctx context.Context, hj taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
			defer release()
			return spec.Handler(ctx, hj, report)
		}
	}

	running, err := s.store.UpdateStatus(job.ID, jobstore.StatusRunning, jobstore.StatusUpdate{})
	if err != nil || running == nil {
		s.logger.Error("jobservice: mark running failed", "job_id", job.ID, "error", err)
		return
	}
	s.publish(running)

	_, err = s.pool.Submit(context.Background(), taskrunner.HandlerJob{
		ID:         job.ID,
		Type:       job.Type,
		Parameters: job.Parameters,
	}, handler, &reporter{store: s.store, bus: s, jobID: job.ID, jobType: job.Type})
	if err != nil {
		s.fail(job.ID, spec.Type, err)
		return
	}
	submitted = true

	// The pool tracks its own CancelToken per job ID (internal/taskrunner
	// keys on the same job.ID), and the Pool's onDone callback (wired in
	// the composition root to s.FinishJob) records the final status and
	// publishes the terminal job_update once the handler returns.
}

func (s *Service) fail(jobID, jobType string, cause error) {
	msg := cause.Error()
	updated, err := s.store.UpdateStatus(jobID, jobstore.StatusFailed, jobstore.StatusUpdate{Error: &msg})
	if err != nil {
		s.logger.Error("jobservice: failed to record failure", "job_id", jobID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.JobsCompleted.WithLabelValues(jobType, string(jobstore.StatusFailed)).Inc()
	}
	if updated != nil {
		s.publish(updated)
	}
}

// FinishJob records a Task Runner Outcome against the Job Store and
// publishes the resulting job_update. Wired as the Pool's onDone callback
// from the composition root.
func (s *Service) FinishJob(outcome taskrunner.Outcome) {
	status := jobstore.StatusCompleted
	update := jobstore.StatusUpdate{Result: outcome.Result}
	if outcome.Err != nil {
		status = jobstore.StatusFailed
		msg := outcome.Err.Error()
		update.Error = &msg

		if errors.Is(outcome.Err, context.Canceled) {
			if current, gerr := s.store.Get(outcome.JobID); gerr == nil && current != nil && current.Status == jobstore.StatusCancelling {
				status = jobstore.StatusCancelled
				update.Error = nil
			}
		}
	}

	updated, err := s.store.UpdateStatus(outcome.JobID, status, update)
	if err != nil {
		s.logger.Error("jobservice: finish job", "job_id", outcome.JobID, "error", err)
		return
	}
	if s.metrics != nil && updated != nil {
		s.metrics.JobsCompleted.WithLabelValues(outcome.JobType, string(updated.Status)).Inc()
	}
	if updated != nil {
		s.publish(updated)
	}
}

// Cancel requests cancellation of a job (spec.md §4.4 CancelJob). A job
// still PENDING and blocked on its type/group lock is cancelled directly
// — the lock-wait is interrupted and the job goes straight to CANCELLED
// without ever invoking its handler. A job that has already acquired its
// lock and is RUNNING is instead transitioned to CANCELLING and handed to
// the Task Runner; the terminal CANCELLED transition happens once the
// handler actually returns, via FinishJob.
func (s *Service) Cancel(jobID string) error {
	job, err := s.store.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("jobservice: job %q not found", jobID)
	}
	if job.Status.Terminal() {
		return nil
	}

	if cancelWait, ok := s.takePending(jobID); ok {
		cancelWait()
		msg := "Cancelled by user"
		updated, err := s.store.UpdateStatus(jobID, jobstore.StatusCancelled, jobstore.StatusUpdate{Error: &msg})
		if err != nil {
			return err
		}
		if updated != nil {
			s.publish(updated)
		}
		return nil
	}

	updated, err := s.store.UpdateStatus(jobID, jobstore.StatusCancelling, jobstore.StatusUpdate{})
	if err != nil {
		return err
	}
	if updated != nil {
		s.publish(updated)
	}
	s.pool.Cancel(jobID)
	return nil
}

func (s *Service) publish(job *jobstore.Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(fmt.Sprintf("job:%s", job.ID), jobUpdateEvent(job))
	s.bus.Publish("job:*", jobUpdateEvent(job))
}

func jobUpdateEvent(job *jobstore.Job) map[string]any {
	return map[string]any{
		"type":       "job_update",
		"id":         job.ID,
		"job_type":   job.Type,
		"status":     string(job.Status),
		"progress":   job.Progress,
		"error":      job.Error,
		"updated_at": time.Now().UTC(),
	}
}

// reporter adapts taskrunner.Reporter to persist progress into the Job
// Store and publish it on the bus as the handler reports it.
type reporter struct {
	store   *jobstore.Store
	bus     *Service
	jobID   string
	jobType string
}

func (r *reporter) Progress(pct int, processed, total *int, message string) {
	update := jobstore.StatusUpdate{Progress: &pct}
	if processed != nil {
		update.ProcessedItems = processed
	}
	if total != nil {
		update.TotalItems = total
	}
	if message != "" {
		update.Message = &message
	}
	// A progress report keeps a requested cancellation (CANCELLING) in place.
	status := jobstore.StatusRunning
	if current, gerr := r.store.Get(r.jobID); gerr == nil && current != nil && current.Status == jobstore.StatusCancelling {
		status = jobstore.StatusCancelling
	}
	job, err := r.store.UpdateStatus(r.jobID, status, update)
	if err != nil || job == nil {
		return
	}
	r.bus.publish(job)
}
