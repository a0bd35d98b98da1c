package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lightprint/sbta/pkg/lattice"
	"github.com/lightprint/sbta/pkg/logx"
	"github.com/lightprint/sbta/pkg/sbta"
	"github.com/lightprint/sbta/pkg/telem"
)

// Server exposes SBTA engine metrics to Prometheus
type Server struct {
	store    *telem.Store
	lattice  *lattice.Lattice
	logger   *logx.Logger
	registry *prometheus.Registry
	server   *http.Server
	started  time.Time

	operations      *prometheus.CounterVec
	operationErrors *prometheus.CounterVec
	verifyScore     prometheus.Histogram
	verifyDuration  prometheus.Histogram
	factorScore     *prometheus.GaugeVec
	threshold       prometheus.Gauge
	coherence       prometheus.Gauge
	distance        prometheus.Gauge

	calibrations    prometheus.Gauge
	telemetryEvents *prometheus.GaugeVec
	telemetryBytes  prometheus.Gauge
	latticeActive   prometheus.Gauge
	poolRefreshes   prometheus.Gauge
	daemonUptime    prometheus.Gauge
	daemonVersion   *prometheus.GaugeVec
}

// NewServer creates a metrics server with its own registry
func NewServer(store *telem.Store, lat *lattice.Lattice, logger *logx.Logger) *Server {
	s := &Server{
		store:    store,
		lattice:  lat,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	s.registerMetrics()
	return s
}

// registerMetrics registers all Prometheus metrics
func (s *Server) registerMetrics() {
	s.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbta_operations_total",
			Help: "Total number of engine operations by outcome",
		},
		[]string{"operation", "result"},
	)

	s.operationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbta_operation_errors_total",
			Help: "Total number of engine operations that returned an error",
		},
		[]string{"operation", "type"},
	)

	s.verifyScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sbta_verify_score",
			Help:    "Final confidence score of completed verifications",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	s.verifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sbta_verify_duration_seconds",
			Help:    "Wall time spent in Verify",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
	)

	s.factorScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sbta_factor_score",
			Help: "Per-factor score of the last completed verification",
		},
		[]string{"factor"},
	)

	s.threshold = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sbta_decision_threshold",
		Help: "Adaptive accept threshold of the last verification",
	})

	s.coherence = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sbta_lattice_coherence",
		Help: "Lattice coherence of the last verification",
	})

	s.distance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sbta_anchor_distance_meters",
		Help: "Distance to the anchor at the last verification",
	})

	s.calibrations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sbta_calibration_records",
		Help: "Number of stored calibration records",
	})

	s.telemetryEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sbta_telemetry_events",
			Help: "Number of events in telemetry store",
		},
		[]string{"type"},
	)

	s.telemetryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sbta_telemetry_memory_bytes",
		Help: "Estimated memory usage of telemetry store in bytes",
	})

	s.latticeActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sbta_lattice_active_nodes",
		Help: "Active cells after the last crystallization",
	})

	s.poolRefreshes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sbta_entropy_pool_refreshes",
		Help: "Number of entropy pool refreshes",
	})

	s.daemonUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sbta_daemon_uptime_seconds",
		Help: "Daemon uptime in seconds",
	})

	s.daemonVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sbta_daemon_version_info",
			Help: "Daemon version information",
		},
		[]string{"version"},
	)

	s.registry.MustRegister(
		s.operations,
		s.operationErrors,
		s.verifyScore,
		s.verifyDuration,
		s.factorScore,
		s.threshold,
		s.coherence,
		s.distance,
		s.calibrations,
		s.telemetryEvents,
		s.telemetryBytes,
		s.latticeActive,
		s.poolRefreshes,
		s.daemonUptime,
		s.daemonVersion,
	)
}

// Registry returns the registry holding the SBTA collectors
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format,
// refreshing state gauges on every scrape
func (s *Server) Handler() http.Handler {
	inner := promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.UpdateMetrics()
		inner.ServeHTTP(w, r)
	})
}

// Start starts the metrics server on addr
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting metrics server", "addr", addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	s.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info("Stopping metrics server")

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Observe records an engine outcome
func (s *Server) Observe(ctx context.Context, o sbta.Outcome) {
	result := "success"
	switch {
	case o.Err != nil:
		result = "error"
		s.operationErrors.With(prometheus.Labels{"operation": o.Operation, "type": errorType(o.Err)}).Inc()
	case !o.Success:
		result = "rejected"
	}
	s.operations.With(prometheus.Labels{"operation": o.Operation, "result": result}).Inc()

	if o.Operation != sbta.OpVerify {
		return
	}
	s.verifyDuration.Observe(o.Duration.Seconds())
	if o.DistanceMeters > 0 || o.Err == nil {
		s.distance.Set(o.DistanceMeters)
	}
	if o.Err != nil || o.Scores == nil {
		return
	}
	s.verifyScore.Observe(o.Score)
	s.threshold.Set(o.Threshold)
	s.coherence.Set(o.Coherence)
	s.factorScore.With(prometheus.Labels{"factor": "location"}).Set(o.Scores.Location)
	s.factorScore.With(prometheus.Labels{"factor": "solar"}).Set(o.Scores.Solar)
	s.factorScore.With(prometheus.Labels{"factor": "lighting"}).Set(o.Scores.Lighting)
	s.factorScore.With(prometheus.Labels{"factor": "neural"}).Set(o.Scores.Neural)
	s.factorScore.With(prometheus.Labels{"factor": "time"}).Set(o.Scores.Time)
}

// UpdateMetrics refreshes the gauges derived from telemetry and lattice state
func (s *Server) UpdateMetrics() {
	s.updateTelemetryMetrics()
	s.updateLatticeMetrics()
	s.daemonUptime.Set(time.Since(s.started).Seconds())
}

// SetVersion publishes the daemon version
func (s *Server) SetVersion(version string) {
	s.daemonVersion.Reset()
	s.daemonVersion.With(prometheus.Labels{"version": version}).Set(1)
}

func (s *Server) updateTelemetryMetrics() {
	if s.store == nil {
		return
	}
	stats := s.store.GetStats()
	s.calibrations.Set(float64(stats.Calibrations))
	s.telemetryBytes.Set(float64(stats.EstimatedBytes))

	counts := make(map[string]int)
	for _, event := range s.store.GetEvents(0) {
		counts[event.Type]++
	}
	s.telemetryEvents.Reset()
	for eventType, count := range counts {
		s.telemetryEvents.With(prometheus.Labels{"type": eventType}).Set(float64(count))
	}
}

func (s *Server) updateLatticeMetrics() {
	if s.lattice == nil {
		return
	}
	d := s.lattice.Diagnostics()
	s.latticeActive.Set(float64(d.ActiveNodes))
	s.poolRefreshes.Set(float64(d.PoolRefreshes))
}

// errorType maps an engine error onto a low-cardinality label
func errorType(err error) string {
	switch {
	case errors.Is(err, sbta.ErrNoAnchorEnrolled):
		return "no_anchor"
	case errors.Is(err, sbta.ErrLocationMismatch):
		return "geofence"
	case errors.Is(err, sbta.ErrGPSAccuracy):
		return "gps_accuracy"
	case errors.Is(err, sbta.ErrEnrollmentRejected), errors.Is(err, sbta.ErrInvalidSolarPosition):
		return "conditions"
	case errors.Is(err, sbta.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "provider"
	}
}
