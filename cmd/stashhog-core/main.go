package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/sjafferali/stashhog-core/internal/config"
	"github.com/sjafferali/stashhog-core/internal/daemon"
	"github.com/sjafferali/stashhog-core/internal/eventbus"
	"github.com/sjafferali/stashhog-core/internal/health"
	"github.com/sjafferali/stashhog-core/internal/httpserver"
	"github.com/sjafferali/stashhog-core/internal/jobs"
	"github.com/sjafferali/stashhog-core/internal/jobservice"
	"github.com/sjafferali/stashhog-core/internal/jobstore"
	"github.com/sjafferali/stashhog-core/internal/obs"
	"github.com/sjafferali/stashhog-core/internal/planmanager"
	"github.com/sjafferali/stashhog-core/internal/stashclient"
	"github.com/sjafferali/stashhog-core/internal/synccoord"
	"github.com/sjafferali/stashhog-core/internal/taskrunner"
)

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func daemonFactory(syncStore *synccoord.Store, jobStore *jobstore.Store, jobIntervalSeconds int) daemon.Factory {
	return func(name string, cfg config.Daemon) (daemon.Daemon, error) {
		switch cfg.Type {
		case string(daemon.TypeAutoStashSync):
			return daemon.NewAutoStashSync(syncStore, jobStore, jobIntervalSeconds), nil
		case string(daemon.TypeTest):
			return daemon.NewTestDaemon(5*time.Second, jobservice.TypeTest), nil
		default:
			return nil, &unknownDaemonTypeError{name: name, daemonType: cfg.Type}
		}
	}
}

type unknownDaemonTypeError struct {
	name       string
	daemonType string
}

func (e *unknownDaemonTypeError) Error() string {
	return "main: daemon " + e.name + " has unknown type " + e.daemonType
}

func main() {
	configPath := flag.String("config", "stashhog.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("stashhog-core starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfgMgr := config.NewManager(cfg)

	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	lockPath := "/tmp/stashhog-core.lock"
	if cfg.General.LockFile != "" {
		lockPath = config.ExpandHome(cfg.General.LockFile)
	}
	lockFile, err := health.AcquireFlock(lockPath)
	if err != nil {
		logger.Error("failed to acquire lock", "error", err)
		os.Exit(1)
	}
	defer health.ReleaseFlock(lockFile)

	dbPath := config.ExpandHome(cfg.General.StateDB)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		logger.Error("failed to open state db", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	jobStore, err := jobstore.Open(db)
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	planStore, err := planmanager.Open(db)
	if err != nil {
		logger.Error("failed to open plan manager", "error", err)
		os.Exit(1)
	}
	obsStore, err := obs.Open(db)
	if err != nil {
		logger.Error("failed to open observability store", "error", err)
		os.Exit(1)
	}

	stashClient := stashclient.New(stashclient.Config{
		BaseURL:        cfg.Stash.BaseURL,
		APIKey:         cfg.Stash.APIKey,
		Timezone:       cfg.Stash.Timezone,
		RequestTimeout: cfg.Stash.RequestTimeout.Duration,
		MaxRetries:     cfg.Stash.MaxRetries,
		RetryBaseDelay: cfg.Stash.RetryBaseDelay.Duration,
		RetryMaxDelay:  cfg.Stash.RetryMaxDelay.Duration,
		RetryFactor:    cfg.Stash.RetryFactor,
	})

	syncStore, err := synccoord.Open(db, stashClient)
	if err != nil {
		logger.Error("failed to open sync coordinator", "error", err)
		os.Exit(1)
	}

	if cfg.General.ReclaimStaleOnStartup {
		reclaimed, err := jobStore.ReclaimStale()
		if err != nil {
			logger.Error("failed to reclaim stale jobs", "error", err)
		} else if reclaimed > 0 {
			logger.Info("reclaimed stale jobs", "count", reclaimed)
		}
	}

	registry := prometheus.NewRegistry()
	metrics := obs.NewMetrics(registry)

	bus := eventbus.New(cfg.General.EventBusMailboxSize,
		eventbus.WithPublishHook(func(topicKind string) {
			metrics.BusPublishTotal.WithLabelValues(topicKind).Inc()
		}),
		eventbus.WithSubscriberCountHook(func(count int) {
			metrics.BusSubscribers.Set(float64(count))
		}),
	)

	jobRegistry := jobservice.NewRegistry()
	jobs.Register(jobRegistry, jobs.Deps{Sync: syncStore, Plans: planStore, Stash: stashClient})

	svc := jobservice.New(jobStore, nil, bus, jobRegistry, metrics, logger.With("component", "jobservice"))
	pool := taskrunner.NewPool(cfg.General.TaskRunnerWorkers, svc.FinishJob)
	svc.SetPool(pool)

	supervisor := daemon.NewSupervisor(cfgMgr, obsStore, bus, svc, metrics, logger.With("component", "daemon"), daemonFactory(syncStore, jobStore, cfg.Sync.JobIntervalSeconds))
	supervisor.Initialize()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var statusServer *httpserver.Server
	if cfg.API.Bind != "" {
		var metricsReg *prometheus.Registry
		if cfg.Metrics.Enabled {
			metricsReg = registry
		}
		statusServer = httpserver.New(cfg.API.Bind, jobStore, supervisor, metricsReg, logger.With("component", "http"))
		go func() {
			if err := statusServer.Start(ctx); err != nil {
				logger.Error("status server error", "error", err)
			}
		}()
	}

	if cfg.Watch.Enabled {
		go func() {
			if err := cfgMgr.WatchFile(ctx, *configPath, logger.With("component", "config_watch")); err != nil {
				logger.Error("config watch failed", "error", err)
			}
		}()
	}

	logger.Info("stashhog-core running", "bind", cfg.API.Bind, "state_db", dbPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	for {
		sig := <-sigCh
		switch sig {
		case syscall.SIGHUP:
			if err := cfgMgr.Reload(*configPath); err != nil {
				logger.Error("config reload failed", "error", err)
				continue
			}
			logger.Info("config reloaded")
		default:
			shutdownStart := time.Now()
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			for name := range cfgMgr.Get().Daemons {
				if err := supervisor.Stop(name); err != nil {
					logger.Warn("daemon stop failed during shutdown", "daemon", name, "error", err)
				}
			}
			logger.Info("stashhog-core stopped", "shutdown_duration", time.Since(shutdownStart).String())
			return
		}
	}
}
