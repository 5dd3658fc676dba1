// Package api implements the bridge's HTTP surface: health and status
// endpoints, device and sample queries, Prometheus metrics, and a
// WebSocket stream of operational events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siku2/wavemqtt/internal/buildinfo"
	"github.com/siku2/wavemqtt/internal/connwatch"
	"github.com/siku2/wavemqtt/internal/events"
	"github.com/siku2/wavemqtt/internal/history"
	"github.com/siku2/wavemqtt/internal/poller"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// DeviceSource exposes the poller's runtime state. Satisfied by
// poller.Poller.
type DeviceSource interface {
	Snapshot() poller.Snapshot
}

// HealthSource reports dependency reachability. Satisfied by
// connwatch.Manager.
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
	AllReady() bool
}

// SampleStore queries the sample archive. Satisfied by history.Store.
type SampleStore interface {
	Recent(ctx context.Context, serial string, limit int) ([]history.Entry, error)
	Devices(ctx context.Context) ([]history.DeviceSummary, error)
	Count(ctx context.Context) (int64, error)
}

// Config wires a Server. Poller is required; the other sources are
// optional and their endpoints degrade to 503 when absent.
type Config struct {
	Address string
	Port    int

	Poller  DeviceSource
	Health  HealthSource
	History SampleStore
	Bus     *events.Bus

	Logger *slog.Logger
}

// Server is the bridge's HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	server *http.Server

	mu      sync.Mutex
	summary map[string]any
}

// NewServer creates the HTTP server. Call Start to begin serving.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

// SetSummary installs the config summary shown by /api/status. Called
// at startup and again after each config reload.
func (s *Server) SetSummary(summary map[string]any) {
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
}

// Start begins serving HTTP requests. It blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:      s.withLogging(s.routes()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/samples", s.handleSamples)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		// Scrapers and health checkers hit their endpoints constantly;
		// keep those out of the Info log.
		level := slog.LevelInfo
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "wavemqtt",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

// handleHealthz answers 200 while every watched dependency is
// reachable and 503 otherwise, with per-service detail either way.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	var services map[string]connwatch.ServiceStatus
	if s.cfg.Health != nil {
		services = s.cfg.Health.Status()
		if !s.cfg.Health.AllReady() {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	resp := map[string]any{
		"status":   status,
		"services": services,
	}
	if s.cfg.Poller != nil {
		snap := s.cfg.Poller.Snapshot()
		if !snap.LastCycle.IsZero() {
			resp["last_poll"] = snap.LastCycle
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"build":  buildinfo.Info(),
		"uptime": buildinfo.Uptime().String(),
	}

	s.mu.Lock()
	if s.summary != nil {
		resp["config"] = s.summary
	}
	s.mu.Unlock()

	if s.cfg.Health != nil {
		resp["services"] = s.cfg.Health.Status()
	}
	if s.cfg.Poller != nil {
		snap := s.cfg.Poller.Snapshot()
		online := 0
		for _, ds := range snap.Devices {
			if ds.Online {
				online++
			}
		}
		resp["poller"] = map[string]any{
			"devices_known":      len(snap.Devices),
			"devices_online":     online,
			"last_cycle":         snap.LastCycle,
			"last_cycle_outcome": snap.LastCycleOutcome,
			"last_scan":          snap.LastScan,
		}
	}
	if s.cfg.History != nil {
		if n, err := s.cfg.History.Count(r.Context()); err == nil {
			resp["history"] = map[string]any{"samples": n}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Poller == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "poller not running")
		return
	}
	snap := s.cfg.Poller.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"devices": snap.Devices,
		"count":   len(snap.Devices),
	}, s.logger)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "history is disabled")
		return
	}

	serial := r.URL.Query().Get("serial")
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	samples, err := s.cfg.History.Recent(r.Context(), serial, limit)
	if err != nil {
		s.logger.Error("sample query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "sample query failed")
		return
	}

	resp := map[string]any{
		"samples": samples,
		"count":   len(samples),
	}
	if serial == "" {
		if devices, err := s.cfg.History.Devices(r.Context()); err == nil {
			resp["devices"] = devices
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}
