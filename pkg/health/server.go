package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/logx"
	"github.com/lightprint/sbta/pkg/sbta"
	"github.com/lightprint/sbta/pkg/telem"
)

// Component states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// StatusReporter produces an engine status snapshot
type StatusReporter interface {
	Status(ctx context.Context, p pkg.Providers) (*sbta.StatusReport, error)
}

// Server provides health check endpoints for sbtad
type Server struct {
	engine    StatusReporter
	providers pkg.Providers
	store     *telem.Store
	logger    *logx.Logger
	server    *http.Server
	startTime time.Time
	version   string
	timeout   time.Duration

	mu        sync.Mutex
	lastError *ErrorInfo
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Uptime     time.Duration        `json:"uptime"`
	Version    string               `json:"version"`
	Components map[string]Component `json:"components"`
	Engine     *sbta.StatusReport   `json:"engine,omitempty"`
	Telemetry  *telem.Stats         `json:"telemetry,omitempty"`
	Locations  []string             `json:"calibrated_locations,omitempty"`
	Memory     *MemoryInfo          `json:"memory,omitempty"`
	LastError  *ErrorInfo           `json:"last_error,omitempty"`
}

// Component represents the health of one collaborator
type Component struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	LastCheck time.Time `json:"last_check"`
}

// MemoryInfo represents memory usage information
type MemoryInfo struct {
	Alloc     uint64 `json:"alloc_bytes"`
	Sys       uint64 `json:"sys_bytes"`
	HeapAlloc uint64 `json:"heap_alloc_bytes"`
	HeapInuse uint64 `json:"heap_inuse_bytes"`
	NumGC     uint32 `json:"num_gc"`
	PauseNs   uint64 `json:"pause_ns"`
}

// ErrorInfo represents the last recorded failure
type ErrorInfo struct {
	Message   string    `json:"message"`
	Component string    `json:"component"`
	Timestamp time.Time `json:"timestamp"`
}

// NewServer creates a health server reporting on engine through the given
// providers
func NewServer(engine StatusReporter, providers pkg.Providers, store *telem.Store, logger *logx.Logger) *Server {
	return &Server{
		engine:    engine,
		providers: providers,
		store:     store,
		logger:    logger,
		startTime: time.Now(),
		version:   "dev",
		timeout:   20 * time.Second,
	}
}

// SetVersion sets the reported daemon version
func (s *Server) SetVersion(v string) {
	s.version = v
}

// Handler returns the health routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/health/detailed", s.detailedHealthHandler)
	mux.HandleFunc("/health/ready", s.readyHandler)
	mux.HandleFunc("/health/live", s.liveHandler)
	mux.HandleFunc("/health/telemetry", s.telemetryHandler)
	mux.HandleFunc("/status", s.statusHandler)
	return mux
}

// Start serves the health routes on addr in the background
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting health server", "addr", addr)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Health server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the health server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping health server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// RecordError remembers a failure for /health/detailed
func (s *Server) RecordError(component string, err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = &ErrorInfo{Message: err.Error(), Component: component, Timestamp: time.Now()}
	s.mu.Unlock()
	s.logger.Warn("Health error recorded", "component", component, "error", err)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.check(r.Context())
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	status.Engine = nil
	writeJSON(w, code, status)
}

func (s *Server) detailedHealthHandler(w http.ResponseWriter, r *http.Request) {
	status := s.check(r.Context())
	if s.store != nil {
		stats := s.store.GetStats()
		status.Telemetry = &stats
		status.Locations = s.store.CalibrationKeys()
	}
	mem := memoryInfo()
	status.Memory = &mem

	s.mu.Lock()
	status.LastError = s.lastError
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, status)
}

// readyHandler reports ready once the anchor store answers
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if s.check(r.Context()).Status == StatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// telemetryHandler dumps calibrations and recent events
func (s *Server) telemetryHandler(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "telemetry disabled"})
		return
	}
	data, err := s.store.ExportJSON()
	if err != nil {
		s.RecordError("telemetry", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	report, err := s.engine.Status(ctx, s.providers)
	if err != nil {
		s.RecordError("store", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// check derives component health from one engine status snapshot. Only an
// unreadable anchor store makes the daemon unhealthy; missing GPS or clock
// sync degrade it.
func (s *Server) check(ctx context.Context) HealthStatus {
	now := time.Now()
	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  now,
		Uptime:     time.Since(s.startTime),
		Version:    s.version,
		Components: make(map[string]Component),
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	report, err := s.engine.Status(ctx, s.providers)
	if err != nil {
		s.RecordError("store", err)
		status.Status = StatusUnhealthy
		status.Components["store"] = Component{Status: StatusUnhealthy, Message: err.Error(), LastCheck: now}
		return status
	}
	status.Engine = report

	status.Components["store"] = Component{Status: StatusHealthy, Message: "Anchor store readable", LastCheck: now}
	if report.Enrolled {
		status.Components["enrollment"] = Component{Status: StatusHealthy, Message: "Anchor enrolled", LastCheck: now}
	} else {
		status.Components["enrollment"] = Component{Status: StatusDegraded, Message: "No anchor enrolled", LastCheck: now}
	}
	if report.GPSAvailable {
		status.Components["gps"] = Component{Status: StatusHealthy, Message: "GPS fix available", LastCheck: now}
	} else {
		status.Components["gps"] = Component{Status: StatusDegraded, Message: "GPS unavailable", LastCheck: now}
	}
	if report.TimeSynchronized {
		status.Components["time"] = Component{Status: StatusHealthy, Message: "Clock synchronized", LastCheck: now}
	} else {
		status.Components["time"] = Component{Status: StatusDegraded, Message: "Clock not verified against reference", LastCheck: now}
	}
	if report.Lattice.Size > 0 {
		status.Components["lattice"] = Component{Status: StatusHealthy, Message: "Decision lattice initialised", LastCheck: now}
	}

	for _, c := range status.Components {
		if c.Status != StatusHealthy {
			status.Status = StatusDegraded
			break
		}
	}
	return status
}

func memoryInfo() MemoryInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return MemoryInfo{
		Alloc:     m.Alloc,
		Sys:       m.Sys,
		HeapAlloc: m.HeapAlloc,
		HeapInuse: m.HeapInuse,
		NumGC:     m.NumGC,
		PauseNs:   m.PauseNs[(m.NumGC+255)%256],
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
