package daemon

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjafferali/stashhog-core/internal/config"
	"github.com/sjafferali/stashhog-core/internal/eventbus"
	"github.com/sjafferali/stashhog-core/internal/jobservice"
	"github.com/sjafferali/stashhog-core/internal/jobstore"
	"github.com/sjafferali/stashhog-core/internal/obs"
	"github.com/sjafferali/stashhog-core/internal/synccoord"
	"github.com/sjafferali/stashhog-core/internal/taskrunner"
)

type testEnv struct {
	obsStore *obs.Store
	bus      *eventbus.Bus
	jobStore *jobstore.Store
	jobs     *jobservice.Service
	cfgMgr   *config.RWMutexManager
}

func newTestEnv(t *testing.T, daemons map[string]config.Daemon) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	obsStore, err := obs.Open(db)
	if err != nil {
		t.Fatalf("open obs: %v", err)
	}
	jobStore, err := jobstore.Open(db)
	if err != nil {
		t.Fatalf("open jobstore: %v", err)
	}
	bus := eventbus.New(16)
	registry := jobservice.NewRegistry()
	svc := jobservice.New(jobStore, nil, bus, registry, nil, nil)
	pool := taskrunner.NewPool(4, svc.FinishJob)
	svc.SetPool(pool)

	cfg := &config.Config{Daemons: daemons}
	cfgMgr := config.NewManager(cfg)

	return &testEnv{obsStore: obsStore, bus: bus, jobStore: jobStore, jobs: svc, cfgMgr: cfgMgr}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSupervisorStartAndStopTestDaemon(t *testing.T) {
	env := newTestEnv(t, map[string]config.Daemon{
		"test1": {Type: string(TypeTest), Enabled: true, AutoStart: false},
	})

	factory := func(name string, cfg config.Daemon) (Daemon, error) {
		return NewTestDaemon(20*time.Millisecond, ""), nil
	}
	sup := NewSupervisor(env.cfgMgr, env.obsStore, env.bus, env.jobs, nil, nil, factory)

	if err := sup.Start("test1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForCondition(t, func() bool {
		reports := sup.Health()
		return reports["test1"].State == HealthHealthy
	})

	if err := sup.Stop("test1"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	reports := sup.Health()
	if reports["test1"].Status == StatusRunning {
		t.Fatal("expected daemon to no longer be running after Stop")
	}
}

func TestSupervisorStartFailsWhenAlreadyRunning(t *testing.T) {
	env := newTestEnv(t, map[string]config.Daemon{
		"test1": {Type: string(TypeTest), Enabled: true},
	})
	factory := func(name string, cfg config.Daemon) (Daemon, error) {
		return NewTestDaemon(50*time.Millisecond, ""), nil
	}
	sup := NewSupervisor(env.cfgMgr, env.obsStore, env.bus, env.jobs, nil, nil, factory)

	if err := sup.Start("test1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Stop("test1")

	if err := sup.Start("test1"); err == nil {
		t.Fatal("expected second Start to fail while already running")
	}
}

func TestSupervisorHealthReportsDisabledAsStopped(t *testing.T) {
	env := newTestEnv(t, map[string]config.Daemon{
		"disabled1": {Type: string(TypeTest), Enabled: false},
	})
	sup := NewSupervisor(env.cfgMgr, env.obsStore, env.bus, env.jobs, nil, nil, nil)

	reports := sup.Health()
	if reports["disabled1"].State != HealthStopped {
		t.Fatalf("expected stopped, got %v", reports["disabled1"].State)
	}
}

func TestSupervisorHealthReportsNotRunningAsUnhealthy(t *testing.T) {
	env := newTestEnv(t, map[string]config.Daemon{
		"never-started": {Type: string(TypeTest), Enabled: true},
	})
	sup := NewSupervisor(env.cfgMgr, env.obsStore, env.bus, env.jobs, nil, nil, nil)

	reports := sup.Health()
	if reports["never-started"].State != HealthUnhealthy {
		t.Fatalf("expected unhealthy for an enabled-but-not-running daemon, got %v", reports["never-started"].State)
	}
}

func TestSupervisorInitializeOnlyStartsAutoStartDaemons(t *testing.T) {
	env := newTestEnv(t, map[string]config.Daemon{
		"auto":   {Type: string(TypeTest), Enabled: true, AutoStart: true},
		"manual": {Type: string(TypeTest), Enabled: true, AutoStart: false},
	})
	factory := func(name string, cfg config.Daemon) (Daemon, error) {
		return NewTestDaemon(20*time.Millisecond, ""), nil
	}
	sup := NewSupervisor(env.cfgMgr, env.obsStore, env.bus, env.jobs, nil, nil, factory)

	sup.Initialize()
	defer sup.Stop("auto")

	waitForCondition(t, func() bool {
		return sup.Health()["auto"].Status == StatusRunning
	})
	if sup.Health()["manual"].Status == StatusRunning {
		t.Fatal("expected manual daemon to remain stopped")
	}
}

func TestAutoStashSyncLaunchesAndAwaitsSyncJob(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	jobStore, err := jobstore.Open(db)
	if err != nil {
		t.Fatalf("open jobstore: %v", err)
	}
	obsStore, err := obs.Open(db)
	if err != nil {
		t.Fatalf("open obs: %v", err)
	}
	bus := eventbus.New(16)
	registry := jobservice.NewRegistry()

	handlerRan := make(chan struct{}, 1)
	registry.Register(jobservice.TypeSpec{
		Type: JobTypeSync,
		Handler: func(ctx context.Context, job taskrunner.HandlerJob, report taskrunner.Reporter) (map[string]any, error) {
			handlerRan <- struct{}{}
			return map[string]any{"synced": 3}, nil
		},
	})
	svc := jobservice.New(jobStore, nil, bus, registry, nil, nil)
	pool := taskrunner.NewPool(4, svc.FinishJob)
	svc.SetPool(pool)

	counter := &fakeStashCounter{count: 3}
	syncStore, err := synccoord.Open(db, counter)
	if err != nil {
		t.Fatalf("open synccoord: %v", err)
	}

	daemonInst := NewAutoStashSync(syncStore, jobStore, 1)
	sup := NewSupervisor(config.NewManager(&config.Config{Daemons: map[string]config.Daemon{
		"sync": {Type: string(TypeAutoStashSync), Enabled: true},
	}}), obsStore, bus, svc, nil, nil, func(name string, cfg config.Daemon) (Daemon, error) {
		return daemonInst, nil
	})

	if err := sup.Start("sync"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sup.Stop("sync")

	select {
	case <-handlerRan:
	case <-time.After(2 * time.Second):
		t.Fatal("expected SYNC job handler to run")
	}
}

type fakeStashCounter struct{ count int }

func (f *fakeStashCounter) CountUpdatedSince(entityType string, since *time.Time) (int, error) {
	return f.count, nil
}
