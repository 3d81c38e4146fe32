// Package httpserver provides the thin HTTP status/metrics surface
// spec.md's ambient stack calls for: read-only endpoints over job and
// daemon state, plus a Prometheus /metrics endpoint. It is deliberately
// not a business API (no create/cancel routes) — those belong to
// whatever frontend embeds this core, per spec.md §1's Non-goals.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sjafferali/stashhog-core/internal/daemon"
	"github.com/sjafferali/stashhog-core/internal/jobstore"
)

// Server is the status/metrics HTTP surface, modeled on the teacher's
// internal/api.Server: one http.Server, a handful of read-only routes, a
// background goroutine shutting it down on context cancellation.
type Server struct {
	bind       string
	jobs       *jobstore.Store
	supervisor *daemon.Supervisor
	registry   *prometheus.Registry
	logger     *slog.Logger
	httpServer *http.Server
	startTime  time.Time
}

// New constructs a Server. registry may be nil to disable /metrics.
func New(bind string, jobs *jobstore.Store, supervisor *daemon.Supervisor, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{bind: bind, jobs: jobs, supervisor: supervisor, registry: registry, logger: logger, startTime: time.Now()}
}

// Start begins listening on s.bind. Blocks until ctx is cancelled, then
// performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/daemons", s.handleDaemons)
	mux.HandleFunc("/jobs/", s.handleJob)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:        s.bind,
		Handler:     mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("status server starting", "bind", s.bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "uptime": time.Since(s.startTime).String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"uptime":  time.Since(s.startTime).String(),
		"daemons": s.supervisor.Health(),
	})
}

func (s *Server) handleDaemons(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.supervisor.Health())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/jobs/"):]
	if id == "" {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]string{"error": "job id required"})
		return
	}
	job, err := s.jobs.Get(id)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]string{"error": err.Error()})
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]string{"error": "job not found"})
		return
	}
	writeJSON(w, job)
}
