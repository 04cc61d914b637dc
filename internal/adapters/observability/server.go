// Package observability serves the engine's operational surface over
// HTTP: liveness and health probes, prometheus metrics, and a JSON
// stats document combining engine counters with per-queue gauges.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
	"github.com/loomworks/loom/internal/xjson"
)

type Server struct {
	config    domain.ObservabilityConfig
	server    *http.Server
	logger    *slog.Logger
	metrics   *domain.ExecutionMetrics
	queues    ports.QueueManagerPort
	queueSet  []string
	registry  *prometheus.Registry
	startTime time.Time
}

type StatsResponse struct {
	Timestamp time.Time                       `json:"timestamp"`
	Uptime    string                          `json:"uptime"`
	Runtime   RuntimeStats                    `json:"runtime"`
	Engine    domain.ExecutionMetrics         `json:"engine"`
	Queues    map[string]domain.QueueCounters `json:"queues,omitempty"`
}

type RuntimeStats struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	HeapAlloc    uint64 `json:"heap_alloc_bytes"`
	NumGC        uint32 `json:"gc_cycles"`
}

// NewServer wires the HTTP surface. queueNames selects which queues the
// stats document reports on; the prometheus registry is the one the
// queue manager writes into.
func NewServer(config domain.ObservabilityConfig, metrics *domain.ExecutionMetrics, queues ports.QueueManagerPort, queueNames []string, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		logger:    logger.With("component", "observability"),
		metrics:   metrics,
		queues:    queues,
		queueSet:  queueNames,
		registry:  registry,
		startTime: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/live", s.handleLive)
	mux.HandleFunc("/stats", s.handleStats)

	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("observability server starting", "port", s.config.Port)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability server error", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("observability server stopping")
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body, _ := xjson.Marshal(map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now(),
		"uptime":    time.Since(s.startTime).String(),
	})
	w.Write(body)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("live"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := StatsResponse{
		Timestamp: time.Now(),
		Uptime:    time.Since(s.startTime).String(),
		Runtime: RuntimeStats{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			HeapAlloc:    m.HeapAlloc,
			NumGC:        m.NumGC,
		},
	}
	if s.metrics != nil {
		response.Engine = s.metrics.GetSnapshot()
	}
	if s.queues != nil && len(s.queueSet) > 0 {
		response.Queues = make(map[string]domain.QueueCounters, len(s.queueSet))
		for _, name := range s.queueSet {
			counters, err := s.queues.Counters(name)
			if err != nil {
				s.logger.Warn("stats skipping queue", "queue", name, "error", err)
				continue
			}
			response.Queues[name] = counters
		}
	}

	w.Header().Set("Content-Type", "application/json")
	body, err := xjson.Marshal(response)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write(body)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
