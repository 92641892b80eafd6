// Package server exposes the engine's operational HTTP surface.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cortexhub/creation-engine/internal/config"
	"github.com/cortexhub/creation-engine/internal/healthring"
	"github.com/cortexhub/creation-engine/internal/metrics"
	"github.com/cortexhub/creation-engine/internal/pipeline"
)

// Version is reported by /health and /api/v1/status.
var Version = "dev"

// Engine is the orchestrator as seen by the ops server
type Engine interface {
	Initialized() bool
	Pools() []pipeline.PoolInfo
}

// Server represents the HTTP server
type Server struct {
	cfg        *config.Config
	engine     Engine
	healthRing *healthring.HealthRing
	httpServer *http.Server
	startTime  time.Time
	logger     zerolog.Logger
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                   `json:"status"`
	Version   string                   `json:"version"`
	Uptime    string                   `json:"uptime"`
	Services  map[string]ServiceHealth `json:"services"`
	Timestamp string                   `json:"timestamp"`
}

// ServiceHealth represents a service health status
type ServiceHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// StatusResponse represents the full engine status
type StatusResponse struct {
	Status       string              `json:"status"`
	Version      string              `json:"version"`
	Uptime       string              `json:"uptime"`
	Pools        []pipeline.PoolInfo `json:"pools"`
	CacheBackend string              `json:"cache_backend"`
	Queue        bool                `json:"queue_enabled"`
	Storage      bool                `json:"storage_enabled"`
	Timestamp    string              `json:"timestamp"`
}

// New creates a new HTTP server. hr may be nil.
func New(cfg *config.Config, engine Engine, hr *healthring.HealthRing, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		engine:     engine,
		healthRing: hr,
		logger:     logger,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	s.handle(mux, "/health", s.healthHandler)
	s.handle(mux, "/api/v1/status", s.statusHandler)
	if hr != nil {
		s.handle(mux, "/api/v1/healthring/status", hr.GetStatusHandler())
		s.handle(mux, "/api/v1/healthring/", hr.GetMemberHandler())
	}
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handle registers fn under pattern with request metrics labelled by pattern.
func (s *Server) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		metrics.RequestCount.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		metrics.RequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// healthHandler handles health check requests
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready := s.engine.Initialized()
	services := map[string]ServiceHealth{
		"http":   {Healthy: true, Message: "HTTP server running"},
		"engine": {Healthy: ready},
	}
	if !ready {
		services["engine"] = ServiceHealth{Healthy: false, Message: "pools not open"}
	}

	if s.healthRing != nil {
		down := 0
		status := s.healthRing.Status()
		for _, m := range status {
			if m.Status == healthring.StatusDown {
				down++
			}
		}
		services["healthring"] = ServiceHealth{
			Healthy: down == 0,
			Message: fmt.Sprintf("%d of %d models down", down, len(status)),
		}
	}

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Uptime:    time.Since(s.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	}
	code := http.StatusOK
	if !ready {
		response.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, response)
}

// statusHandler handles full engine status
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	if !s.engine.Initialized() {
		status = "unavailable"
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:       status,
		Version:      Version,
		Uptime:       time.Since(s.startTime).String(),
		Pools:        s.engine.Pools(),
		CacheBackend: s.cfg.Cache.Backend,
		Queue:        s.cfg.Queue.Enabled,
		Storage:      s.cfg.Storage.Enabled,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
