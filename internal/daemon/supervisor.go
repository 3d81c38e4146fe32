package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sjafferali/stashhog-core/internal/config"
	"github.com/sjafferali/stashhog-core/internal/eventbus"
	"github.com/sjafferali/stashhog-core/internal/jobservice"
	"github.com/sjafferali/stashhog-core/internal/obs"
)

// Factory constructs a Daemon instance for the named config.Daemon entry.
// The composition root supplies one closed over whatever stores each
// concrete daemon type needs (synccoord.Store, jobstore.Store, ...).
type Factory func(name string, cfg config.Daemon) (Daemon, error)

type instanceRecord struct {
	id            string
	cfg           config.Daemon
	instance      Daemon
	status        Status
	startedAt     *time.Time
	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested bool
}

// Supervisor owns the lifecycle of every configured daemon: starting,
// stopping, restarting, reading back status, and classifying health. It is
// grounded on the teacher's own `Run(ctx)`-per-resource supervised-task
// shape, generalized from dispatched agent processes to in-process
// control loops, with `errgroup.Group` replacing hand-rolled
// `sync.WaitGroup` bookkeeping around each daemon's Run loop (OnStart runs
// in Start, OnStop after Run returns).
type Supervisor struct {
	mu         sync.RWMutex
	cfgMgr     config.ConfigManager
	store      *obs.Store
	bus        *eventbus.Bus
	jobs       *jobservice.Service
	metrics    *obs.Metrics
	logger     *slog.Logger
	factory    Factory
	instances  map[string]*instanceRecord
	heartbeats map[string]time.Time
}

// NewSupervisor constructs a Supervisor. metrics may be nil in tests.
func NewSupervisor(cfgMgr config.ConfigManager, store *obs.Store, bus *eventbus.Bus, jobs *jobservice.Service, metrics *obs.Metrics, logger *slog.Logger, factory Factory) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfgMgr:     cfgMgr,
		store:      store,
		bus:        bus,
		jobs:       jobs,
		metrics:    metrics,
		logger:     logger,
		factory:    factory,
		instances:  make(map[string]*instanceRecord),
		heartbeats: make(map[string]time.Time),
	}
}

// Initialize starts every configured daemon with auto_start=true. A
// failure starting one daemon is logged and does not prevent the others
// from starting.
func (s *Supervisor) Initialize() {
	cfg := s.cfgMgr.Get()
	for name, dcfg := range cfg.Daemons {
		if !dcfg.Enabled || !dcfg.AutoStart {
			continue
		}
		if err := s.Start(name); err != nil {
			s.logger.Error("daemon: auto-start failed", "daemon", name, "error", err)
		}
	}
}

// Start constructs and runs the named daemon. It fails if the daemon is
// already running or is not present in configuration.
func (s *Supervisor) Start(name string) error {
	s.mu.Lock()
	if rec, ok := s.instances[name]; ok && rec.status == StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("daemon: %q is already running", name)
	}

	cfg := s.cfgMgr.Get()
	dcfg, ok := cfg.Daemons[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("daemon: %q is not configured", name)
	}

	inst, err := s.factory(name, dcfg)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("daemon: construct %q: %w", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	rec := &instanceRecord{
		id:        uuid.NewString(),
		cfg:       dcfg,
		instance:  inst,
		status:    StatusRunning,
		startedAt: &now,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.instances[name] = rec
	s.heartbeats[name] = now
	s.mu.Unlock()

	facilities := &Facilities{sup: s, daemonID: rec.id, daemonName: name}

	if err := inst.OnStart(ctx, facilities); err != nil {
		s.mu.Lock()
		rec.status = StatusError
		close(rec.done)
		s.mu.Unlock()
		cancel()
		s.store.RecordError(rec.id, "on_start", err.Error())
		return fmt.Errorf("daemon: %q OnStart: %w", name, err)
	}

	if s.metrics != nil {
		s.metrics.ActiveDaemons.Inc()
	}
	s.store.UpsertStatus(rec.id, "running", 100)

	go s.supervise(name, rec, ctx, facilities)
	return nil
}

func (s *Supervisor) supervise(name string, rec *instanceRecord, ctx context.Context, facilities *Facilities) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rec.instance.Run(gctx, facilities)
	})
	runErr := g.Wait()

	rec.instance.OnStop(context.Background(), facilities)

	s.mu.Lock()
	unexpected := !rec.stopRequested
	if unexpected {
		rec.status = StatusError
	} else {
		rec.status = StatusStopped
	}
	rec.startedAt = nil
	close(rec.done)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveDaemons.Dec()
	}

	if unexpected {
		msg := "run loop exited without a stop request"
		if runErr != nil {
			msg = runErr.Error()
		}
		s.store.RecordError(rec.id, "unexpected_exit", msg)
		s.store.UpsertStatus(rec.id, "error: "+msg, 0)
		s.bus.Publish("daemon_log:"+rec.id, map[string]any{
			"type": "daemon_status", "daemon_id": rec.id, "daemon": name, "status": string(StatusError),
		})
	} else {
		s.store.UpsertStatus(rec.id, "stopped", 100)
	}
}

// gracePeriod bounds how long Stop waits for a daemon's Run loop to exit
// cooperatively after its context is cancelled.
const gracePeriod = 10 * time.Second

// Stop signals cancellation to the named daemon and waits up to
// gracePeriod for it to exit.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	rec, ok := s.instances[name]
	if !ok || rec.status != StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("daemon: %q is not running", name)
	}
	rec.stopRequested = true
	done := rec.done
	cancel := rec.cancel
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(gracePeriod):
		s.logger.Warn("daemon: stop grace period exceeded", "daemon", name)
	}
	return nil
}

// Restart stops then starts the named daemon.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil {
		return err
	}
	return s.Start(name)
}

// UpdateConfig stores new configuration for a daemon entry in the config
// manager's in-memory snapshot; the config file is not rewritten, so a
// later Reload replaces it. Changes take effect the next time the daemon
// is (re)started.
func (s *Supervisor) UpdateConfig(name string, configuration map[string]string, enabled, autoStart *bool) error {
	cfg := s.cfgMgr.Get()
	dcfg, ok := cfg.Daemons[name]
	if !ok {
		return fmt.Errorf("daemon: %q is not configured", name)
	}
	if configuration != nil {
		dcfg.Configuration = configuration
	}
	if enabled != nil {
		dcfg.Enabled = *enabled
	}
	if autoStart != nil {
		dcfg.AutoStart = *autoStart
	}
	cfg.Daemons[name] = dcfg
	s.cfgMgr.Set(cfg)
	return nil
}

// HealthReport is one daemon's classification from Health().
type HealthReport struct {
	Name          string
	State         HealthState
	Status        Status
	HeartbeatAge  time.Duration
	HealthScore   float64
}

// Health classifies every configured daemon as healthy, unhealthy, or
// stopped, per spec.md §4.7: expected-to-run (enabled), actually running
// in this process, and heartbeat age under the staleness threshold.
func (s *Supervisor) Health() map[string]HealthReport {
	cfg := s.cfgMgr.Get()
	reports := make(map[string]HealthReport, len(cfg.Daemons))

	s.mu.RLock()
	defer s.mu.RUnlock()

	for name, dcfg := range cfg.Daemons {
		rec, running := s.instances[name]
		report := HealthReport{Name: name, Status: StatusStopped}

		if !dcfg.Enabled {
			report.State = HealthStopped
			reports[name] = report
			continue
		}

		if !running || rec.status != StatusRunning {
			report.State = HealthUnhealthy
			if rec != nil {
				report.Status = rec.status
			}
			reports[name] = report
			continue
		}

		report.Status = StatusRunning
		last, ok := s.heartbeats[name]
		if ok {
			report.HeartbeatAge = time.Since(last)
		}
		if !ok || report.HeartbeatAge > staleAfter {
			report.State = HealthUnhealthy
		} else {
			report.State = HealthHealthy
		}

		if status, err := s.store.GetStatus(rec.id); err == nil && status != nil {
			report.HealthScore = status.HealthScore
		}

		reports[name] = report
	}

	return reports
}

func (s *Supervisor) recordHeartbeat(name string) {
	s.mu.Lock()
	rec, ok := s.instances[name]
	s.heartbeats[name] = time.Now().UTC()
	s.mu.Unlock()

	if !ok {
		return
	}
	errs, err := s.store.CountRecentErrors(rec.id, time.Hour)
	if err != nil {
		return
	}
	score := obs.HealthScore(errs, 0, staleAfter)
	s.store.UpsertStatus(rec.id, "running", score)
}
