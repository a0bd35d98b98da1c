// Package sbta implements solar-based temporal authentication: enrollment of
// a location/light anchor, calibration, and scored verification against it.
package sbta

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/sajari/regression"
	"golang.org/x/time/rate"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/gps"
	"github.com/lightprint/sbta/pkg/lattice"
	"github.com/lightprint/sbta/pkg/lighting"
	"github.com/lightprint/sbta/pkg/logx"
	"github.com/lightprint/sbta/pkg/retry"
	"github.com/lightprint/sbta/pkg/solar"
	"github.com/lightprint/sbta/pkg/telem"
	"github.com/lightprint/sbta/pkg/timesync"
)

// Operation names reported to observers
const (
	OpEnroll    = "enroll"
	OpCalibrate = "calibrate"
	OpVerify    = "verify"
	OpWipe      = "wipe"
)

// enrollConfidence is the fixed confidence reported for a fresh anchor
const enrollConfidence = 0.95

// Outcome summarises one finished engine operation
type Outcome struct {
	Operation      string        `json:"operation"`
	Success        bool          `json:"success"`
	AnchorID       string        `json:"anchor_id,omitempty"`
	Score          float64       `json:"score,omitempty"`
	Threshold      float64       `json:"threshold,omitempty"`
	Coherence      float64       `json:"coherence,omitempty"`
	Scores         *Scores       `json:"scores,omitempty"`
	DistanceMeters float64       `json:"distance_m,omitempty"`
	Duration       time.Duration `json:"duration_ns"`
	Err            error         `json:"-"`
	Error          string        `json:"error,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Observer receives every operation outcome. Implementations must not block.
type Observer interface {
	Observe(ctx context.Context, o Outcome)
}

// EnrollResult is returned by a successful Enroll
type EnrollResult struct {
	Success         bool               `json:"success"`
	Anchor          *Anchor            `json:"anchor"`
	Confidence      float64            `json:"confidence"`
	Recommendations []string           `json:"recommendations"`
	Calibration     *CalibrationRecord `json:"calibration,omitempty"`
}

// Details are the raw measurements behind a verification
type Details struct {
	DistanceMeters     float64 `json:"distance_m"`
	SolarElevation     float64 `json:"solar_elevation"`
	SolarAzimuth       float64 `json:"solar_azimuth"`
	Luminance          float64 `json:"luminance"`
	IsDaylight         bool    `json:"is_daylight"`
	GPSAccuracy        float64 `json:"gps_accuracy_m"`
	GPSConfidence      float64 `json:"gps_confidence"`
	TimeDriftMs        int64   `json:"time_drift_ms"`
	VerificationTimeMs float64 `json:"verification_time_ms"`
}

// VerifyResult is the verdict of one verification. A rejection is a normal
// result, not an error.
type VerifyResult struct {
	Success         bool             `json:"success"`
	Score           float64          `json:"score"`
	WeightedScore   float64          `json:"weighted_score"`
	Scores          Scores           `json:"scores"`
	Quantum         lattice.Decision `json:"quantum"`
	Details         Details          `json:"details"`
	Warnings        []string         `json:"warnings"`
	Recommendations []string         `json:"recommendations"`
	AnchorID        string           `json:"anchor_id"`
}

// StatusReport is a read-only view of the engine state
type StatusReport struct {
	Enrolled          bool                `json:"enrolled"`
	AnchorCount       int                 `json:"anchor_count"`
	AnchorID          string              `json:"anchor_id,omitempty"`
	LastEnrollment    *time.Time          `json:"last_enrollment,omitempty"`
	GPSAvailable      bool                `json:"gps_available"`
	GPSAccuracy       *float64            `json:"gps_accuracy_m,omitempty"`
	TimeSynchronized  bool                `json:"time_synchronized"`
	TimeDriftMs       int64               `json:"time_drift_ms"`
	CalibrationPoints int                 `json:"calibration_points"`
	Lattice           lattice.Diagnostics `json:"quantum_lattice"`
	Recommendations   []string            `json:"recommendations"`
}

// Engine orchestrates enrollment, calibration and verification. Operations
// are serialized; one engine serves one identity.
type Engine struct {
	mu sync.Mutex

	config    Config
	store     pkg.AnchorStore
	lattice   *lattice.Lattice
	telem     *telem.Store
	logger    *logx.Logger
	observers []Observer
	frames    *retry.Runner
	limiter   *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates an engine. A nil lattice, telemetry store or logger is
// replaced with a default instance.
func NewEngine(config Config, store pkg.AnchorStore, lat *lattice.Lattice, tel *telem.Store, logger *logx.Logger, observers ...Observer) *Engine {
	config = config.withDefaults()
	if lat == nil {
		lat = lattice.New(lattice.DefaultSize, nil)
	}
	if tel == nil {
		tel = telem.NewStore(telem.Config{})
	}
	if logger == nil {
		logger = logx.Discard()
	}

	e := &Engine{
		config:    config,
		store:     store,
		lattice:   lat,
		telem:     tel,
		logger:    logger.With("component", "sbta"),
		observers: observers,
		frames:    retry.NewRunner(config.FrameRetry),
		now:       time.Now,
		sleep:     sleepContext,
	}
	if config.VerifyRatePerMin > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(config.VerifyRatePerMin)), config.VerifyRatePerMin)
	}
	return e
}

// Config returns the effective configuration
func (e *Engine) Config() Config {
	return e.config
}

// Enroll captures a new anchor at the current location and immediately
// calibrates it. Unsuitable conditions return an *EnrollmentError.
func (e *Engine) Enroll(ctx context.Context, p pkg.Providers) (*EnrollResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	e.logger.Info("enrollment started")

	res, err := e.enroll(ctx, p)
	out := Outcome{Operation: OpEnroll, Success: err == nil, Err: err, Duration: time.Since(start)}
	if err != nil {
		e.logger.Error("enrollment failed", "error", err)
		e.record(pkg.EventError, "error", "enrollment failed: "+err.Error(), nil)
	} else {
		out.AnchorID = res.Anchor.ID
		out.Score = res.Confidence
		e.logger.Info("enrollment completed", "anchor_id", res.Anchor.ID,
			"latitude", res.Anchor.GPS.Latitude, "longitude", res.Anchor.GPS.Longitude,
			"elevation", res.Anchor.Solar.Elevation)
		e.record(pkg.EventEnrolled, "info", "anchor enrolled", map[string]interface{}{
			"anchor_id":  res.Anchor.ID,
			"accuracy_m": res.Anchor.GPS.Accuracy,
			"luminance":  res.Anchor.Lighting.Luminance,
		})
	}
	e.notify(ctx, out)
	return res, err
}

func (e *Engine) enroll(ctx context.Context, p pkg.Providers) (*EnrollResult, error) {
	fix, err := e.acquireFix(ctx, p.Location)
	if err != nil {
		return nil, err
	}
	if fix.Accuracy > e.config.MaxEnrollAccuracyM {
		return nil, newEnrollmentError(ErrGPSAccuracy,
			fmt.Sprintf("GPS accuracy %.1fm > %.0fm", fix.Accuracy, e.config.MaxEnrollAccuracyM))
	}

	img, err := e.sampleFrame(ctx, p.Images)
	if err != nil {
		return nil, err
	}
	light := lighting.Analyze(img)

	var vector []float64
	if p.Embedding != nil {
		if vector, err = p.Embedding.Embed(ctx, img); err != nil {
			e.logger.Warn("embedding unavailable, enrolling without vector", "error", err)
			vector = nil
		}
	}

	at := e.clockNow(p.Clock)
	sun := e.solarAt(fix, at)

	if err := e.validateEnrollment(light, sun); err != nil {
		return nil, err
	}

	anchor := &Anchor{
		ID:        newAnchorID(),
		GPS:       *fix,
		Solar:     sun,
		Lighting:  light,
		Embedding: vector,
		Metadata: Metadata{
			Device:    e.config.Device,
			Timezone:  e.config.Location.String(),
			Version:   AnchorVersion,
			CreatedAt: at,
		},
		QuantumSeed: e.lattice.Seed(),
		CreatedAt:   at,
	}
	if err := e.saveAnchor(ctx, anchor); err != nil {
		return nil, err
	}

	res := &EnrollResult{
		Success:         true,
		Anchor:          anchor,
		Confidence:      enrollConfidence,
		Recommendations: append([]string(nil), EnrollRecommendations...),
	}

	// the anchor is already durable, a failed calibration only loses telemetry
	cal, err := e.calibrate(ctx, p, e.config.CalibrationSamples)
	if err != nil {
		e.logger.Warn("initial calibration failed", "anchor_id", anchor.ID, "error", err)
	} else {
		res.Calibration = cal
	}
	return res, nil
}

// validateEnrollment collects every reason the current conditions are not
// fit to become an anchor.
func (e *Engine) validateEnrollment(light lighting.Profile, sun solar.Position) error {
	var issues []string
	cause := ErrEnrollmentRejected

	if light.IsUniform && light.Luminance > 150 {
		issues = append(issues, "Suspicious uniform lighting (possible screen)")
	}
	if light.IsArtificial && sun.IsDaylight {
		issues = append(issues, "Artificial lighting during daytime")
	}
	if !sun.Valid() {
		issues = append(issues, "Invalid solar elevation")
		cause = ErrInvalidSolarPosition
	}

	if len(issues) == 0 {
		return nil
	}
	return newEnrollmentError(cause, issues...)
}

// Calibrate takes samples observations spaced by the calibration interval
// and stores them under the coarse location key, replacing any earlier
// record for that key.
func (e *Engine) Calibrate(ctx context.Context, p pkg.Providers, samples int) (*CalibrationRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	cal, err := e.calibrate(ctx, p, samples)
	out := Outcome{Operation: OpCalibrate, Success: err == nil, Err: err, Duration: time.Since(start)}
	if err != nil {
		e.logger.Error("calibration failed", "error", err)
		e.record(pkg.EventError, "error", "calibration failed: "+err.Error(), nil)
	}
	e.notify(ctx, out)
	return cal, err
}

func (e *Engine) calibrate(ctx context.Context, p pkg.Providers, samples int) (*CalibrationRecord, error) {
	if samples <= 0 {
		samples = e.config.CalibrationSamples
	}
	e.logger.Info("calibration started", "samples", samples)

	cal := &CalibrationRecord{Samples: make([]telem.CalibrationSample, 0, samples)}
	for i := 0; i < samples; i++ {
		if i > 0 {
			if err := e.sleep(ctx, e.config.CalibrationInterval); err != nil {
				return nil, err
			}
		}

		fix, err := e.acquireFix(ctx, p.Location)
		if err != nil {
			return nil, fmt.Errorf("calibration sample %d: %w", i+1, err)
		}
		img, err := e.sampleFrame(ctx, p.Images)
		if err != nil {
			return nil, fmt.Errorf("calibration sample %d: %w", i+1, err)
		}
		at := e.clockNow(p.Clock)

		if i == 0 {
			cal.LocationKey = gps.LocationHash(fix)
		}
		cal.Samples = append(cal.Samples, telem.CalibrationSample{
			Timestamp: at,
			Fix:       *fix,
			Lighting:  lighting.Analyze(img),
			Solar:     e.solarAt(fix, at),
		})
		e.logger.Debug("calibration sample", "index", i+1, "luminance", cal.Samples[i].Lighting.Luminance)
	}

	n := float64(len(cal.Samples))
	for _, s := range cal.Samples {
		cal.Averages.Luminance += s.Lighting.Luminance / n
		cal.Averages.Variance += s.Lighting.Variance / n
		cal.Averages.Elevation += s.Solar.Elevation / n
	}
	cal.LuminanceTrend = luminanceTrend(cal.Samples)
	cal.CompletedAt = e.clockNow(p.Clock)

	e.telem.PutCalibration(*cal)
	e.record(pkg.EventCalibrated, "info", "calibration stored", map[string]interface{}{
		"location_key": cal.LocationKey,
		"samples":      len(cal.Samples),
		"luminance":    cal.Averages.Luminance,
	})
	e.logger.Info("calibration completed", "location_key", cal.LocationKey,
		"avg_luminance", cal.Averages.Luminance, "trend_per_min", cal.LuminanceTrend)
	return cal, nil
}

// luminanceTrend fits luminance against minutes since the first sample and
// returns the slope. Too few distinct instants give 0.
func luminanceTrend(samples []telem.CalibrationSample) float64 {
	if len(samples) < 2 {
		return 0
	}
	first := samples[0].Timestamp
	distinct := false
	for _, s := range samples[1:] {
		if !s.Timestamp.Equal(first) {
			distinct = true
			break
		}
	}
	if !distinct {
		return 0
	}

	var r regression.Regression
	r.SetObserved("luminance")
	r.SetVar(0, "minutes")
	for _, s := range samples {
		r.Train(regression.DataPoint(s.Lighting.Luminance, []float64{s.Timestamp.Sub(first).Minutes()}))
	}
	if err := r.Run(); err != nil {
		return 0
	}
	coeffs := r.GetCoeffs()
	if len(coeffs) < 2 || math.IsNaN(coeffs[1]) || math.IsInf(coeffs[1], 0) {
		return 0
	}
	return coeffs[1]
}

// Verify scores the current conditions against the latest anchor. Errors
// are returned only for missing anchors, provider failures and geofence
// violations.
func (e *Engine) Verify(ctx context.Context, p pkg.Providers) (*VerifyResult, error) {
	if e.limiter != nil && !e.limiter.Allow() {
		e.logger.Warn("verification rate limited")
		return nil, ErrRateLimited
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	res, err := e.verify(ctx, p, start)
	out := Outcome{Operation: OpVerify, Err: err, Duration: time.Since(start)}

	var mismatch *LocationMismatchError
	switch {
	case err == nil:
		out.Success = res.Success
		out.AnchorID = res.AnchorID
		out.Score = res.Score
		out.Threshold = res.Quantum.DecisionThreshold
		out.Coherence = res.Quantum.Coherence
		out.DistanceMeters = res.Details.DistanceMeters
		scores := res.Scores
		out.Scores = &scores

		eventType, level := pkg.EventVerified, "info"
		if !res.Success {
			eventType, level = pkg.EventRejected, "warn"
		}
		e.record(eventType, level, "verification completed", map[string]interface{}{
			"anchor_id": res.AnchorID,
			"score":     res.Score,
			"threshold": res.Quantum.DecisionThreshold,
			"warnings":  res.Warnings,
		})
		e.logger.Info("verification completed", "success", res.Success, "score", res.Score,
			"threshold", res.Quantum.DecisionThreshold, "coherence", res.Quantum.Coherence,
			"distance_m", res.Details.DistanceMeters)
	case errors.As(err, &mismatch):
		out.DistanceMeters = mismatch.DistanceMeters
		e.record(pkg.EventRejected, "warn", err.Error(), map[string]interface{}{
			"distance_m": mismatch.DistanceMeters,
			"radius_m":   mismatch.RadiusMeters,
		})
		e.logger.Warn("verification outside geofence", "distance_m", mismatch.DistanceMeters,
			"radius_m", mismatch.RadiusMeters)
	default:
		e.record(pkg.EventError, "error", "verification failed: "+err.Error(), nil)
		e.logger.Error("verification failed", "error", err)
	}

	e.notify(ctx, out)
	return res, err
}

func (e *Engine) verify(ctx context.Context, p pkg.Providers, start time.Time) (*VerifyResult, error) {
	anchor, _, err := e.latestAnchor(ctx)
	if err != nil {
		return nil, err
	}

	// 1. location, hard geofence
	fix, err := e.acquireFix(ctx, p.Location)
	if err != nil {
		return nil, err
	}
	distance := gps.Distance(fix, &anchor.GPS)
	if distance > e.config.GeofenceRadiusM {
		return nil, &LocationMismatchError{DistanceMeters: distance, RadiusMeters: e.config.GeofenceRadiusM}
	}

	// 2. clock integrity, never fatal
	clock := timesync.Check(ctx, p.Clock, e.config.MaxTimeDrift)
	if !clock.Valid {
		e.logger.Warn("time validation failed", "drift_ms", clock.DriftMs, "warning", clock.Warning)
		e.record(pkg.EventClockDrift, "warn", clock.Warning, map[string]interface{}{"drift_ms": clock.DriftMs})
	}

	// 3. sun
	at := e.clockNow(p.Clock)
	sun := e.solarAt(fix, at)

	// 4. light
	img, err := e.sampleFrame(ctx, p.Images)
	if err != nil {
		return nil, err
	}
	light := lighting.Analyze(img)

	// 5. embedding
	var current []float64
	if e.config.RequireVectorMatch && p.Embedding != nil && len(anchor.Embedding) > 0 {
		if current, err = p.Embedding.Embed(ctx, img); err != nil {
			e.logger.Warn("embedding unavailable, neural factor neutral", "error", err)
			current = nil
		}
	}

	scores := Scores{
		Location: e.config.locationScore(distance, fix, e.now()),
		Solar:    solarScore(anchor.Solar, sun),
		Lighting: e.config.lightingScore(anchor.Lighting, light, sun.IsDaylight),
		Neural:   neuralScore(anchor.Embedding, current),
		Time:     timeScore(clock),
	}

	decision := e.lattice.GenerateDecision(scores.Factors())
	weighted := e.config.weighted(scores)
	final := math.Min(1.0, weighted*decision.ConfidenceMultiplier)

	return &VerifyResult{
		Success:       final >= decision.DecisionThreshold,
		Score:         final,
		WeightedScore: weighted,
		Scores:        scores,
		Quantum:       decision,
		Details: Details{
			DistanceMeters:     distance,
			SolarElevation:     sun.Elevation,
			SolarAzimuth:       sun.Azimuth,
			Luminance:          light.Luminance,
			IsDaylight:         sun.IsDaylight,
			GPSAccuracy:        fix.Accuracy,
			GPSConfidence:      gps.Confidence(fix, e.now()),
			TimeDriftMs:        clock.DriftMs,
			VerificationTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		},
		Warnings:        e.config.warnings(scores, sun, light, clock, fix),
		Recommendations: e.config.recommendations(scores, anchor, at),
		AnchorID:        anchor.ID,
	}, nil
}

// Status reports enrollment, provider and lattice state without changing
// anything.
func (e *Engine) Status(ctx context.Context, p pkg.Providers) (*StatusReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := &StatusReport{
		CalibrationPoints: e.telem.CalibrationCount(),
		Lattice:           e.lattice.Diagnostics(),
	}

	anchor, count, err := e.latestAnchor(ctx)
	switch {
	case err == nil:
		report.AnchorID = anchor.ID
		created := anchor.CreatedAt
		report.LastEnrollment = &created
	case errors.Is(err, ErrNoAnchorEnrolled):
	case count > 0:
		e.logger.Warn("latest anchor unreadable", "error", err)
	default:
		return nil, err
	}
	report.AnchorCount = count
	report.Enrolled = count > 0

	if p.Location != nil {
		if fix, err := p.Location.GetFix(ctx); err == nil && fix != nil {
			report.GPSAvailable = true
			accuracy := fix.Accuracy
			report.GPSAccuracy = &accuracy
		}
	}

	clock := timesync.Check(ctx, p.Clock, e.config.MaxTimeDrift)
	report.TimeSynchronized = clock.Synchronized
	report.TimeDriftMs = clock.DriftMs

	if report.Enrolled {
		report.Recommendations = []string{RecReadyToVerify}
	} else {
		report.Recommendations = []string{RecEnrollFirst}
	}
	return report, nil
}

// Wipe removes every anchor and calibration record
func (e *Engine) Wipe(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	err := e.store.Clear(ctx, pkg.ModeSBTA)
	if err == nil {
		e.telem.ClearCalibrations()
		e.record(pkg.EventWiped, "info", "anchors wiped", nil)
		e.logger.Info("anchors wiped")
	} else {
		err = fmt.Errorf("failed to wipe anchors: %w", err)
		e.logger.Error("wipe failed", "error", err)
	}
	e.notify(ctx, Outcome{Operation: OpWipe, Success: err == nil, Err: err, Duration: time.Since(start)})
	return err
}

// acquireFix asks the provider for a position
func (e *Engine) acquireFix(ctx context.Context, provider pkg.LocationProvider) (*pkg.GeoFix, error) {
	if provider == nil {
		return nil, ErrNoLocationProvider
	}
	fix, err := provider.GetFix(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire GPS fix: %w", err)
	}
	if fix == nil {
		return nil, fmt.Errorf("failed to acquire GPS fix: %w", gps.ErrNilFix)
	}
	if fix.Warning != "" {
		e.logger.Warn("degraded GPS fix", "warning", fix.Warning, "accuracy_m", fix.Accuracy)
		e.record(pkg.EventGPSDegraded, "warn", fix.Warning, map[string]interface{}{"accuracy_m": fix.Accuracy})
	}
	return fix, nil
}

// sampleFrame waits briefly for the sampler to produce a first frame
func (e *Engine) sampleFrame(ctx context.Context, sampler pkg.ImageSampler) (image.Image, error) {
	if sampler == nil {
		return nil, fmt.Errorf("no image sampler: %w", lighting.ErrNoFrame)
	}
	var img image.Image
	err := e.frames.Do(ctx, func(context.Context) error {
		frame, err := sampler.Sample()
		if err != nil {
			return err
		}
		if frame == nil {
			return lighting.ErrNoFrame
		}
		img = frame
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sample image: %w", err)
	}
	return img, nil
}

func (e *Engine) clockNow(clock pkg.ClockOracle) time.Time {
	if clock != nil {
		return clock.Now()
	}
	return e.now()
}

// solarAt computes the sun for fix at the given instant, applying the
// configured daylight elevation.
func (e *Engine) solarAt(fix *pkg.GeoFix, at time.Time) solar.Position {
	pos := solar.Compute(fix.Latitude, fix.Longitude, at, fix.Altitude)
	pos.IsDaylight = pos.Elevation > e.config.ElevationThreshold
	return pos
}

func (e *Engine) record(eventType, level, message string, data interface{}) {
	e.telem.AddEvent(telem.Event{
		Timestamp: e.now(),
		Level:     level,
		Type:      eventType,
		Message:   message,
		Data:      data,
	})
}

func (e *Engine) notify(ctx context.Context, o Outcome) {
	if o.Timestamp.IsZero() {
		o.Timestamp = e.now()
	}
	if o.Err != nil {
		o.Error = o.Err.Error()
	}
	for _, obs := range e.observers {
		obs.Observe(ctx, o)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
