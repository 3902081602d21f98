package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akiops/aki-pipeline/pkg/log"
	"github.com/akiops/aki-pipeline/pkg/lrucache"
)

const healthRefreshInterval = 30 * time.Second

// Server exposes the metrics registry, a liveness endpoint, and a cached
// diagnostic status endpoint over HTTP, and refreshes the connection
// health gauge on a background schedule the way the teacher's taskmanager
// registers periodic maintenance jobs with gocron rather than a bare
// goroutine ticker.
type Server struct {
	httpServer *http.Server
	scheduler  gocron.Scheduler

	connectionErrors atomic.Int64
}

// New builds a metrics server listening on addr (":9090" style) and
// backed by reg. It does not start listening until Start is called.
func New(addr string, reg *prometheus.Registry) (*Server, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	srv := &Server{scheduler: scheduler}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", srv.handleHealthz).Methods(http.MethodGet)

	statusCache := lrucache.NewHttpHandler(1<<20, 2*time.Second, http.HandlerFunc(srv.handleStatus))
	router.Handle("/status", statusCache).Methods(http.MethodGet)

	router.Use(handlers.RecoveryHandler(handlers.PrintRecoveryStack(true)))

	srv.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if _, err := scheduler.NewJob(
		gocron.DurationJob(healthRefreshInterval),
		gocron.NewTask(srv.refreshConnectionHealth),
	); err != nil {
		return nil, err
	}

	return srv, nil
}

// NoteConnectionError records one orchestrator-observed connection fault;
// the next scheduled refresh folds it into the health gauge.
func (s *Server) NoteConnectionError() {
	s.connectionErrors.Add(1)
}

func (s *Server) refreshConnectionHealth() {
	if s.connectionErrors.Swap(0) > 0 {
		SystemHealth.WithLabelValues("connection").Set(0)
		return
	}
	SystemHealth.WithLabelValues("connection").Set(1)
}

func (s *Server) handleHealthz(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("ok"))
}

func (s *Server) handleStatus(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"connection_errors_since_refresh": s.connectionErrors.Load(),
		"refresh_interval_seconds":        healthRefreshInterval.Seconds(),
	})
}

// Start begins serving HTTP and running scheduled jobs. It blocks until
// the listener fails or is closed; callers typically run it in its own
// goroutine.
func (s *Server) Start() error {
	s.scheduler.Start()
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the scheduler and drains the HTTP server within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.scheduler.Shutdown(); err != nil {
		log.Warnf("metrics: scheduler shutdown: %v", err)
	}
	return s.httpServer.Shutdown(ctx)
}
