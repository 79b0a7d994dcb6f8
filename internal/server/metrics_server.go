package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/devrev/pairdb/bulkloader/internal/metrics"
	"github.com/devrev/pairdb/bulkloader/internal/workflow"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessFunc reports whether the loader can serve operations, e.g.
// whether cluster metadata is available.
type ReadinessFunc func(ctx context.Context) error

// MetricsServer serves Prometheus metrics, health and progress via HTTP
type MetricsServer struct {
	router     *mux.Router
	httpServer *http.Server
	metrics    *metrics.Metrics
	progress   *workflow.Progress
	ready      ReadinessFunc
	logger     *zap.Logger
	interval   time.Duration
	stopChan   chan struct{}
}

// MetricsServerConfig holds configuration for the metrics server
type MetricsServerConfig struct {
	Port        int
	MetricsPath string
	// StatsInterval is the period of system statistics collection.
	StatsInterval time.Duration
}

// NewMetricsServer creates a new metrics server. progress and ready may be nil.
func NewMetricsServer(cfg *MetricsServerConfig, m *metrics.Metrics, progress *workflow.Progress, ready ReadinessFunc, logger *zap.Logger) *MetricsServer {
	router := mux.NewRouter()

	path := cfg.MetricsPath
	if path == "" {
		path = "/metrics"
	}
	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ms := &MetricsServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		progress: progress,
		ready:    ready,
		logger:   logger,
		interval: interval,
		stopChan: make(chan struct{}),
	}

	router.Handle(path, promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", ms.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", ms.readyHandler).Methods(http.MethodGet)
	router.HandleFunc("/progress", ms.progressHandler).Methods(http.MethodGet)

	return ms
}

// Handler returns the server's router.
func (s *MetricsServer) Handler() http.Handler {
	return s.router
}

// Start starts the metrics server
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}

	return nil
}

func (s *MetricsServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

func (s *MetricsServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			w.WriteHeader(http.StatusServiceUnavailable)
			body := map[string]string{"status": "not_ready", "reason": err.Error()}
			if err := json.NewEncoder(w).Encode(body); err != nil {
				s.logger.Error("Failed to encode readiness", zap.Error(err))
			}
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ready","timestamp":"%s"}`, time.Now().Format(time.RFC3339))
}

type progressResponse struct {
	workflow.Summary
	Running bool `json:"running"`
}

func (s *MetricsServer) progressHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.progress == nil {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"status":"no_operation"}`)
		return
	}
	resp := progressResponse{Summary: s.progress.Snapshot(), Running: s.progress.Running()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("Failed to encode progress", zap.Error(err))
	}
}

// collectSystemMetrics periodically collects system-level metrics
func (s *MetricsServer) collectSystemMetrics() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.updateSystemMetrics()
	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *MetricsServer) updateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	s.metrics.UpdateSystemStats(int64(memStats.Alloc), runtime.NumGoroutine())
}
