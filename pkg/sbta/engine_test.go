package sbta

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/embedding"
	"github.com/lightprint/sbta/pkg/gps"
	"github.com/lightprint/sbta/pkg/lattice"
	"github.com/lightprint/sbta/pkg/lighting"
	"github.com/lightprint/sbta/pkg/logx"
	"github.com/lightprint/sbta/pkg/store"
	"github.com/lightprint/sbta/pkg/telem"
)

// equinox noon at the equator/prime meridian, sun nearly overhead
var testNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

type fakeLocation struct {
	fix *pkg.GeoFix
	err error
}

func (f *fakeLocation) GetFix(ctx context.Context) (*pkg.GeoFix, error) {
	if f.err != nil {
		return nil, f.err
	}
	fix := *f.fix
	return &fix, nil
}

type fakeClock struct {
	now    time.Time
	ref    time.Time
	synced bool
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) ReferenceNow(ctx context.Context) (time.Time, bool) {
	return c.ref, c.synced
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingObserver) Observe(ctx context.Context, o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recordingObserver) operations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, len(r.outcomes))
	for i, o := range r.outcomes {
		ops[i] = o.Operation
	}
	return ops
}

// checkerboard is a neutral, high-contrast frame with mean luminance ~127
func checkerboard(size int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{0, 0, 0, 255})
			}
		}
	}
	return img
}

func solidImage(size int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CalibrationInterval = 0
	cfg.FrameRetry.InitialDelay = time.Millisecond
	cfg.FrameRetry.MaxDelay = time.Millisecond
	cfg.Location = time.UTC
	cfg.Device = "test-device"
	return cfg
}

type testRig struct {
	engine   *Engine
	store    *store.Memory
	telem    *telem.Store
	observer *recordingObserver
}

func newTestRig(t *testing.T, cfg Config) *testRig {
	t.Helper()
	mem := store.NewMemory()
	tel := telem.NewStore(telem.Config{})
	obs := &recordingObserver{}
	e := NewEngine(cfg, mem, lattice.New(lattice.DefaultSize, nil), tel, logx.Discard(), obs)
	e.now = func() time.Time { return testNow }
	return &testRig{engine: e, store: mem, telem: tel, observer: obs}
}

func providersAt(lat, lon, accuracy float64) pkg.Providers {
	return pkg.Providers{
		Location: &fakeLocation{fix: &pkg.GeoFix{
			Latitude:  lat,
			Longitude: lon,
			Accuracy:  accuracy,
			Timestamp: testNow,
		}},
		Images:    lighting.StaticSampler{Frame: checkerboard(32)},
		Clock:     &fakeClock{now: testNow, ref: testNow, synced: true},
		Embedding: embedding.Static{Vector: []float64{0.2, 0.5, 0.1, 0.7}},
	}
}

func TestNewEngineKeepsZeroThresholds(t *testing.T) {
	cfg := testConfig()
	cfg.ElevationThreshold = 0
	cfg.MinLuminanceDay = 0
	cfg.MaxLuminanceNight = 0

	e := newTestRig(t, cfg).engine
	if e.config.ElevationThreshold != 0 || e.config.MinLuminanceDay != 0 || e.config.MaxLuminanceNight != 0 {
		t.Errorf("zero thresholds replaced: %+v", e.config)
	}

	def := NewEngine(Config{}, store.NewMemory(), nil, nil, nil)
	if def.config.GeofenceRadiusM != 100 || def.config.CalibrationSamples != 3 {
		t.Errorf("unset limits not defaulted: %+v", def.config)
	}
}

func TestEnrollRejectsPoorAccuracy(t *testing.T) {
	rig := newTestRig(t, testConfig())

	_, err := rig.engine.Enroll(context.Background(), providersAt(0, 0, 60))
	if !errors.Is(err, ErrGPSAccuracy) {
		t.Fatalf("expected ErrGPSAccuracy, got %v", err)
	}
	var enrollErr *EnrollmentError
	if !errors.As(err, &enrollErr) {
		t.Fatalf("expected *EnrollmentError, got %T", err)
	}
	if !strings.Contains(enrollErr.Reason, "60.0m") {
		t.Errorf("reason should cite accuracy, got %q", enrollErr.Reason)
	}

	records, _ := rig.store.List(context.Background(), pkg.ModeSBTA)
	if len(records) != 0 {
		t.Errorf("expected no anchors after rejected enrollment, got %d", len(records))
	}
}

func TestEnrollPersistsAnchorAndCalibrates(t *testing.T) {
	rig := newTestRig(t, testConfig())

	res, err := rig.engine.Enroll(context.Background(), providersAt(0, 0, 10))
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if !res.Success || res.Confidence != 0.95 {
		t.Errorf("unexpected result: success=%v confidence=%v", res.Success, res.Confidence)
	}
	if !strings.HasPrefix(res.Anchor.ID, "sbta_") {
		t.Errorf("anchor id %q lacks prefix", res.Anchor.ID)
	}
	if res.Anchor.Metadata.Version != AnchorVersion || res.Anchor.Metadata.Device != "test-device" {
		t.Errorf("unexpected metadata %+v", res.Anchor.Metadata)
	}
	if !res.Anchor.Solar.IsDaylight {
		t.Error("anchor should be taken in daylight")
	}
	if res.Anchor.QuantumSeed.Digest == "" || res.Anchor.QuantumSeed.ActiveNodes != 38 {
		t.Errorf("unexpected quantum seed %+v", res.Anchor.QuantumSeed)
	}
	if len(res.Anchor.Embedding) != 4 {
		t.Errorf("expected embedding to be stored, got %v", res.Anchor.Embedding)
	}
	if len(res.Recommendations) != 3 {
		t.Errorf("expected 3 recommendations, got %v", res.Recommendations)
	}

	records, _ := rig.store.List(context.Background(), pkg.ModeSBTA)
	if len(records) != 1 {
		t.Fatalf("expected exactly one anchor, got %d", len(records))
	}

	if res.Calibration == nil || len(res.Calibration.Samples) != 3 {
		t.Fatalf("expected 3 calibration samples, got %+v", res.Calibration)
	}
	if res.Calibration.LocationKey != "0.000,0.000" {
		t.Errorf("unexpected location key %q", res.Calibration.LocationKey)
	}
	if rig.telem.CalibrationCount() != 1 {
		t.Errorf("expected one calibration record, got %d", rig.telem.CalibrationCount())
	}
	if len(rig.telem.EventsOfType(pkg.EventEnrolled)) != 1 {
		t.Error("expected an enrolled event")
	}
}

func TestEnrollRejectsSuspiciousLighting(t *testing.T) {
	tests := []struct {
		name  string
		frame image.Image
		issue string
	}{
		{"bright uniform screen", solidImage(16, color.RGBA{200, 200, 200, 255}), "Suspicious uniform lighting"},
		{"artificial light at noon", solidImage(16, color.RGBA{200, 120, 10, 255}), "Artificial lighting during daytime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig(t, testConfig())
			p := providersAt(0, 0, 10)
			p.Images = lighting.StaticSampler{Frame: tt.frame}

			_, err := rig.engine.Enroll(context.Background(), p)
			if !errors.Is(err, ErrEnrollmentRejected) {
				t.Fatalf("expected ErrEnrollmentRejected, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.issue) {
				t.Errorf("error %q should mention %q", err, tt.issue)
			}
		})
	}
}

func TestEnrollWithoutLocationProvider(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)
	p.Location = nil

	if _, err := rig.engine.Enroll(context.Background(), p); !errors.Is(err, ErrNoLocationProvider) {
		t.Fatalf("expected ErrNoLocationProvider, got %v", err)
	}
}

func TestVerifyWithoutAnchor(t *testing.T) {
	rig := newTestRig(t, testConfig())

	res, err := rig.engine.Verify(context.Background(), providersAt(0, 0, 10))
	if !errors.Is(err, ErrNoAnchorEnrolled) {
		t.Fatalf("expected ErrNoAnchorEnrolled, got %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
}

func TestVerifyAfterEnrollAccepts(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)

	if _, err := rig.engine.Enroll(context.Background(), p); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		res, err := rig.engine.Verify(context.Background(), p)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if !res.Success {
			t.Fatalf("expected acceptance, score=%v threshold=%v scores=%+v",
				res.Score, res.Quantum.DecisionThreshold, res.Scores)
		}
		if res.Score < res.Quantum.DecisionThreshold {
			t.Errorf("score %v below threshold %v", res.Score, res.Quantum.DecisionThreshold)
		}
		if res.Score > res.WeightedScore*lattice.MaxMultiplier+1e-9 || res.Score < 0 {
			t.Errorf("score %v outside [0, %v]", res.Score, res.WeightedScore*lattice.MaxMultiplier)
		}
		if res.Scores.Location != 1 || res.Scores.Lighting != 1 || res.Scores.Neural < 0.999 || res.Scores.Time != 1 {
			t.Errorf("unexpected factor scores %+v", res.Scores)
		}
		if res.Details.DistanceMeters != 0 || !res.Details.IsDaylight {
			t.Errorf("unexpected details %+v", res.Details)
		}
		if len(res.Warnings) != 0 {
			t.Errorf("expected no warnings, got %v", res.Warnings)
		}
	}

	if len(rig.telem.EventsOfType(pkg.EventVerified)) != 2 {
		t.Error("expected two verified events")
	}
}

func TestVerifyUsesLatestAnchor(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)

	if _, err := rig.engine.Enroll(context.Background(), p); err != nil {
		t.Fatalf("first Enroll failed: %v", err)
	}
	second, err := rig.engine.Enroll(context.Background(), p)
	if err != nil {
		t.Fatalf("second Enroll failed: %v", err)
	}

	res, err := rig.engine.Verify(context.Background(), p)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.AnchorID != second.Anchor.ID {
		t.Errorf("verified against %s, want latest %s", res.AnchorID, second.Anchor.ID)
	}
}

func TestVerifyOutsideGeofence(t *testing.T) {
	rig := newTestRig(t, testConfig())
	if _, err := rig.engine.Enroll(context.Background(), providersAt(0, 0, 10)); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	// ~500 m north
	_, err := rig.engine.Verify(context.Background(), providersAt(0.0045, 0, 10))
	if !errors.Is(err, ErrLocationMismatch) {
		t.Fatalf("expected ErrLocationMismatch, got %v", err)
	}
	var mismatch *LocationMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *LocationMismatchError, got %T", err)
	}
	if mismatch.DistanceMeters < 490 || mismatch.DistanceMeters > 510 {
		t.Errorf("distance = %.1f, want ~500", mismatch.DistanceMeters)
	}
	if mismatch.RadiusMeters != 100 {
		t.Errorf("radius = %v, want 100", mismatch.RadiusMeters)
	}
	if len(rig.telem.EventsOfType(pkg.EventRejected)) != 1 {
		t.Error("expected a rejected event")
	}
}

func TestVerifyDiscountsReplayedFix(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)
	if _, err := rig.engine.Enroll(context.Background(), p); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	p.Location = &fakeLocation{fix: &pkg.GeoFix{
		Accuracy:  10,
		Timestamp: testNow.Add(-10 * time.Minute),
		Warning:   gps.LastKnownWarning,
	}}
	res, err := rig.engine.Verify(context.Background(), p)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if math.Abs(res.Scores.Location-0.5) > 1e-9 || math.Abs(res.Details.GPSConfidence-0.5) > 1e-9 {
		t.Errorf("location = %v, confidence = %v, want 0.5", res.Scores.Location, res.Details.GPSConfidence)
	}
	if res.Success {
		t.Errorf("replayed fix accepted with score %v", res.Score)
	}
	found := false
	for _, w := range res.Warnings {
		if w == gps.LastKnownWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings %v missing %q", res.Warnings, gps.LastKnownWarning)
	}
}

func TestVerifyDegradesWithoutTimeSync(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)
	if _, err := rig.engine.Enroll(context.Background(), p); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	p.Clock = &fakeClock{now: testNow}
	res, err := rig.engine.Verify(context.Background(), p)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Scores.Time != 0.8 {
		t.Errorf("time score = %v, want 0.8", res.Scores.Time)
	}
}

func TestVerifyWarnsOnClockDrift(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)
	if _, err := rig.engine.Enroll(context.Background(), p); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	p.Clock = &fakeClock{now: testNow, ref: testNow.Add(-30 * time.Second), synced: true}
	res, err := rig.engine.Verify(context.Background(), p)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Details.TimeDriftMs != 30000 {
		t.Errorf("drift = %d, want 30000", res.Details.TimeDriftMs)
	}
	found := false
	for _, w := range res.Warnings {
		if w == WarnClockDrifted {
			found = true
		}
	}
	if !found {
		t.Errorf("expected clock drift warning, got %v", res.Warnings)
	}
}

func TestVerifyWithoutFrame(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)
	if _, err := rig.engine.Enroll(context.Background(), p); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	p.Images = lighting.StaticSampler{}
	if _, err := rig.engine.Verify(context.Background(), p); !errors.Is(err, lighting.ErrNoFrame) {
		t.Fatalf("expected ErrNoFrame, got %v", err)
	}
}

func TestVerifyRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyRatePerMin = 1
	rig := newTestRig(t, cfg)

	if _, err := rig.engine.Verify(context.Background(), providersAt(0, 0, 10)); !errors.Is(err, ErrNoAnchorEnrolled) {
		t.Fatalf("first attempt: expected ErrNoAnchorEnrolled, got %v", err)
	}
	if _, err := rig.engine.Verify(context.Background(), providersAt(0, 0, 10)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second attempt: expected ErrRateLimited, got %v", err)
	}
}

func TestStatus(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)

	st, err := rig.engine.Status(context.Background(), p)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Enrolled || st.AnchorCount != 0 || st.LastEnrollment != nil {
		t.Errorf("unexpected status before enrollment: %+v", st)
	}
	if len(st.Recommendations) != 1 || st.Recommendations[0] != RecEnrollFirst {
		t.Errorf("unexpected recommendations %v", st.Recommendations)
	}

	res, err := rig.engine.Enroll(context.Background(), p)
	if err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	st, err = rig.engine.Status(context.Background(), p)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Enrolled || st.AnchorCount != 1 || st.AnchorID != res.Anchor.ID {
		t.Errorf("unexpected status after enrollment: %+v", st)
	}
	if st.LastEnrollment == nil || !st.LastEnrollment.Equal(testNow) {
		t.Errorf("last enrollment = %v, want %v", st.LastEnrollment, testNow)
	}
	if !st.GPSAvailable || st.GPSAccuracy == nil || *st.GPSAccuracy != 10 {
		t.Errorf("unexpected GPS status %+v", st)
	}
	if !st.TimeSynchronized {
		t.Error("expected synchronized time")
	}
	if st.CalibrationPoints != 1 {
		t.Errorf("calibration points = %d, want 1", st.CalibrationPoints)
	}
	if st.Lattice.Size != lattice.DefaultSize {
		t.Errorf("lattice size = %d", st.Lattice.Size)
	}
	if st.Recommendations[0] != RecReadyToVerify {
		t.Errorf("unexpected recommendations %v", st.Recommendations)
	}
}

func TestWipe(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)
	if _, err := rig.engine.Enroll(context.Background(), p); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}

	if err := rig.engine.Wipe(context.Background()); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}
	if _, err := rig.engine.Verify(context.Background(), p); !errors.Is(err, ErrNoAnchorEnrolled) {
		t.Errorf("expected ErrNoAnchorEnrolled after wipe, got %v", err)
	}
	if rig.telem.CalibrationCount() != 0 {
		t.Errorf("calibrations should be cleared, got %d", rig.telem.CalibrationCount())
	}
}

func TestCalibrateReplacesRecordForLocation(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(59.3293, 18.0686, 8)

	first, err := rig.engine.Calibrate(context.Background(), p, 2)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if len(first.Samples) != 2 || first.LocationKey != "59.329,18.069" {
		t.Fatalf("unexpected calibration %+v", first)
	}

	second, err := rig.engine.Calibrate(context.Background(), p, 4)
	if err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if rig.telem.CalibrationCount() != 1 {
		t.Errorf("expected record to be replaced, got %d records", rig.telem.CalibrationCount())
	}
	stored, ok := rig.telem.Calibration(second.LocationKey)
	if !ok || len(stored.Samples) != 4 {
		t.Errorf("stored record should hold the latest run, got %+v", stored)
	}
	if stored.Averages.Luminance < 120 || stored.Averages.Luminance > 135 {
		t.Errorf("average luminance = %v", stored.Averages.Luminance)
	}
}

func TestCalibrateStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.CalibrationInterval = time.Hour
	rig := newTestRig(t, cfg)
	rig.engine.sleep = sleepContext

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rig.engine.Calibrate(ctx, providersAt(0, 0, 10), 2); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestObserversSeeEveryOperation(t *testing.T) {
	rig := newTestRig(t, testConfig())
	p := providersAt(0, 0, 10)

	if _, err := rig.engine.Enroll(context.Background(), p); err != nil {
		t.Fatalf("Enroll failed: %v", err)
	}
	if _, err := rig.engine.Verify(context.Background(), p); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if err := rig.engine.Wipe(context.Background()); err != nil {
		t.Fatalf("Wipe failed: %v", err)
	}

	got := rig.observer.operations()
	want := []string{OpEnroll, OpVerify, OpWipe}
	if len(got) != len(want) {
		t.Fatalf("operations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("operation[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	verify := rig.observer.outcomes[1]
	if verify.Scores == nil || verify.Threshold < lattice.MinThreshold {
		t.Errorf("verify outcome missing scoring detail: %+v", verify)
	}
}
