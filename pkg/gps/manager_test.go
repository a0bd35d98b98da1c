package gps

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/retry"
)

type fakeSource struct {
	name  string
	rank  int
	fixes []*pkg.GeoFix
	errs  []error
	calls int
}

func (f *fakeSource) Name() string  { return f.name }
func (f *fakeSource) Priority() int { return f.rank }

func (f *fakeSource) GetFix(ctx context.Context) (*pkg.GeoFix, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if len(f.fixes) == 0 {
		return nil, errors.New("no fixes")
	}
	if i >= len(f.fixes) {
		i = len(f.fixes) - 1
	}
	fix := *f.fixes[i]
	return &fix, nil
}

func testConfig() Config {
	c := DefaultConfig()
	c.Retry = retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond}
	c.MaxFixAge = 0
	return c
}

func TestManagerPriorityOrder(t *testing.T) {
	low := &fakeSource{name: "modem", rank: 2, fixes: []*pkg.GeoFix{{Latitude: 1, Longitude: 1, Accuracy: 5}}}
	high := &fakeSource{name: "gpsd", rank: 0, fixes: []*pkg.GeoFix{{Latitude: 2, Longitude: 2, Accuracy: 5}}}

	m := NewManager(testConfig(), nil, low, high)
	fix, err := m.GetFix(context.Background())
	if err != nil {
		t.Fatalf("GetFix() error = %v", err)
	}
	if fix.Source != "gpsd" || fix.Latitude != 2 {
		t.Errorf("fix = %+v, want from gpsd", fix)
	}
	if low.calls != 0 {
		t.Errorf("lower priority source called %d times", low.calls)
	}
}

func TestManagerFallsThrough(t *testing.T) {
	broken := &fakeSource{name: "broken", rank: 0, errs: []error{errors.New("down")}}
	ok := &fakeSource{name: "ok", rank: 1, fixes: []*pkg.GeoFix{{Latitude: 3, Longitude: 3, Accuracy: 5}}}

	m := NewManager(testConfig(), nil, broken, ok)
	fix, err := m.GetFix(context.Background())
	if err != nil {
		t.Fatalf("GetFix() error = %v", err)
	}
	if fix.Source != "ok" {
		t.Errorf("Source = %q, want ok", fix.Source)
	}
}

func TestManagerRejectsInaccurateFix(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAccuracyM = 50
	cfg.UseLastKnown = false
	src := &fakeSource{name: "coarse", fixes: []*pkg.GeoFix{{Latitude: 3, Longitude: 3, Accuracy: 500}}}

	_, err := NewManager(cfg, nil, src).GetFix(context.Background())
	if !errors.Is(err, ErrLowAccuracy) {
		t.Errorf("error = %v, want ErrLowAccuracy", err)
	}
}

func TestManagerLastKnownFallback(t *testing.T) {
	src := &fakeSource{
		name:  "flaky",
		fixes: []*pkg.GeoFix{{Latitude: 4, Longitude: 4, Accuracy: 5}},
		errs:  []error{nil, errors.New("lost signal")},
	}
	m := NewManager(testConfig(), nil, src)

	if _, err := m.GetFix(context.Background()); err != nil {
		t.Fatalf("first GetFix() error = %v", err)
	}
	fix, err := m.GetFix(context.Background())
	if err != nil {
		t.Fatalf("second GetFix() error = %v", err)
	}
	if fix.Latitude != 4 || fix.Warning != LastKnownWarning {
		t.Errorf("fallback fix = %+v, want last known with warning", fix)
	}
	if last := m.LastKnown(); last == nil || last.Warning != "" {
		t.Errorf("LastKnown = %+v, should be the unmodified fix", last)
	}
}

func TestManagerExpiredLastKnownIsNotReplayed(t *testing.T) {
	base := time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{
		name:  "flaky",
		fixes: []*pkg.GeoFix{{Latitude: 4, Longitude: 4, Accuracy: 5, Timestamp: base}},
		errs:  []error{nil, errors.New("lost signal"), errors.New("lost signal")},
	}
	cfg := testConfig()
	cfg.MaxFixAge = 5 * time.Minute
	m := NewManager(cfg, nil, src)
	m.now = func() time.Time { return base }

	if _, err := m.GetFix(context.Background()); err != nil {
		t.Fatalf("first GetFix() error = %v", err)
	}

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	fix, err := m.GetFix(context.Background())
	if err != nil || fix.Warning != LastKnownWarning {
		t.Fatalf("recent cache: fix = %+v, err = %v, want replay", fix, err)
	}

	m.now = func() time.Time { return base.Add(24 * time.Hour) }
	fix, err = m.GetFix(context.Background())
	if !errors.Is(err, ErrStaleFix) {
		t.Errorf("day-old cache: fix = %+v, err = %v, want ErrStaleFix", fix, err)
	}
}

func TestManagerNoSources(t *testing.T) {
	m := NewManager(testConfig(), nil)
	if m.Available() {
		t.Error("manager without sources reported available")
	}
	if _, err := m.GetFix(context.Background()); err == nil {
		t.Error("expected error without sources")
	}
}

func TestStaticSource(t *testing.T) {
	s := &StaticSource{Fix: pkg.GeoFix{Latitude: 10, Longitude: 20, Accuracy: 3}}
	fix, err := s.GetFix(context.Background())
	if err != nil {
		t.Fatalf("GetFix() error = %v", err)
	}
	if fix.Source != "static" || fix.Timestamp.IsZero() {
		t.Errorf("fix = %+v", fix)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.GetFix(ctx); err == nil {
		t.Error("expected error on cancelled context")
	}
}

func TestParseJSONFix(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantAcc float64
		wantErr bool
	}{
		{"numbers", `{"latitude": 59.1, "longitude": 18.2, "altitude": 12, "accuracy": 4}`, 4, false},
		{"ubus strings", `{"latitude": "59.1", "longitude": "18.2", "hdop": "1.2"}`, 6, false},
		{"zero fix", `{"latitude": 0, "longitude": 0}`, 0, true},
		{"garbage", `not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fix, err := ParseJSONFix([]byte(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fix.Latitude != 59.1 || fix.Longitude != 18.2 {
				t.Errorf("coords = %f,%f", fix.Latitude, fix.Longitude)
			}
			if diff := fix.Accuracy - tt.wantAcc; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Accuracy = %f, want %f", fix.Accuracy, tt.wantAcc)
			}
		})
	}
}

func TestParseCGPSINFO(t *testing.T) {
	out := "AT+CGPSINFO\n+CGPSINFO: 5919.7600,N,01804.1178,E,150824,101530.0,25.3,1.0,90.0\nOK\n"
	fix, err := ParseCGPSINFO(out)
	if err != nil {
		t.Fatalf("ParseCGPSINFO() error = %v", err)
	}
	if d := fix.Latitude - 59.329333; d > 1e-5 || d < -1e-5 {
		t.Errorf("Latitude = %f", fix.Latitude)
	}
	if d := fix.Longitude - 18.068630; d > 1e-5 || d < -1e-5 {
		t.Errorf("Longitude = %f", fix.Longitude)
	}
	if fix.Altitude != 25.3 || fix.Heading == nil || *fix.Heading != 90 {
		t.Errorf("fix = %+v", fix)
	}

	south, err := ParseCGPSINFO("+CGPSINFO: 3351.4086,S,15112.9174,W,,,0,0,0")
	if err != nil {
		t.Fatalf("southern fix error = %v", err)
	}
	if south.Latitude >= 0 || south.Longitude >= 0 {
		t.Errorf("hemisphere not applied: %+v", south)
	}

	if _, err := ParseCGPSINFO("+CGPSINFO: ,,,,,,,,\nOK"); !errors.Is(err, ErrNoFix) {
		t.Errorf("empty fix error = %v, want ErrNoFix", err)
	}
}
