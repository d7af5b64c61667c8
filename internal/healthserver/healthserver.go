// Package healthserver exposes the bridge's HTTP surface: liveness,
// readiness, Prometheus metrics and persisted statistics. Route shape
// is grounded on original_source/hoymiles_mqtt/health.py's
// HealthCheckHandler/HealthCheckServer; routing itself uses
// github.com/go-chi/chi/v5 in place of the teacher's manual
// http.ServeMux (envoy_main.go), matching the rest of the pack's
// preference for chi.
package healthserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Studio729/hoymiles-bridge/internal/buildinfo"
	"github.com/Studio729/hoymiles-bridge/internal/health"
)

// Logger is the minimal logging surface the server needs.
type Logger interface {
	Info(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// StatsProvider abstracts persistence.Store.GetStatistics without a
// direct import, keeping this package decoupled from the SQL driver.
type StatsProvider interface {
	GetStatistics() interface{}
}

// Server binds {host, port} and serves /health, /ready, /metrics,
// /stats (plus a /version bonus route reusing internal/buildinfo).
type Server struct {
	metrics  *health.Metrics
	stats    StatsProvider
	offlineS int64
	log      Logger
	httpSrv  *http.Server
}

// New builds a Server. dtuOfflineThresholdSeconds controls the
// healthy/unhealthy boundary per spec.md §6's health.* / §8 scenario 6.
func New(addr string, metrics *health.Metrics, stats StatsProvider, dtuOfflineThresholdSeconds int64, metricsEnabled bool, log Logger) *Server {
	s := &Server{metrics: metrics, stats: stats, offlineS: dtuOfflineThresholdSeconds, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer) // handler panics -> 500, never crash the process (spec.md §4.8)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if metricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(health.Registry, promhttp.HandlerOpts{}))
	}
	r.Get("/stats", s.handleStats)
	r.Get("/version", s.handleVersion)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.metrics.GetStatus(s.offlineS)
	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Error("healthserver: encoding /health response: %v", err)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.metrics.IsHealthy(s.offlineS) {
		w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.stats == nil {
		w.Write([]byte(`{}`))
		return
	}
	data, err := json.Marshal(s.stats.GetStatistics())
	if err != nil {
		s.log.Error("healthserver: encoding /stats response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write(data)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(buildinfo.Get()); err != nil {
		s.log.Error("healthserver: encoding /version response: %v", err)
	}
}

// ListenAndServe starts the HTTP listener; it blocks until the server
// stops (Shutdown is called from another goroutine, or a fatal listener
// error occurs).
func (s *Server) ListenAndServe() error {
	s.log.Info("healthserver: listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP listener within the given timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
