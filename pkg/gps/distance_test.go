package gps

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lightprint/sbta/pkg"
)

func TestHaversineIdentityAndSymmetry(t *testing.T) {
	points := [][2]float64{
		{0, 0},
		{51.5007, -0.1246},
		{-33.8568, 151.2153},
		{89.9, 179.9},
	}
	for _, a := range points {
		if d := Haversine(a[0], a[1], a[0], a[1]); d != 0 {
			t.Errorf("d(p,p) = %f for %v", d, a)
		}
		for _, b := range points {
			ab := Haversine(a[0], a[1], b[0], b[1])
			ba := Haversine(b[0], b[1], a[0], a[1])
			if math.Abs(ab-ba) > 1e-6 {
				t.Errorf("asymmetric distance %v-%v: %f vs %f", a, b, ab, ba)
			}
			if ab < 0 {
				t.Errorf("negative distance %f", ab)
			}
		}
	}
}

func TestHaversineKnownDistances(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want, tolerance        float64
	}{
		{"one degree of latitude", 0, 0, 1, 0, 111195, 10},
		{"500 m north", 59.3293, 18.0686, 59.3293 + 500/111195.0, 18.0686, 500, 1},
		{"london to paris", 51.5074, -0.1278, 48.8566, 2.3522, 343500, 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > tt.tolerance {
				t.Errorf("Haversine = %f, want %f ± %f", got, tt.want, tt.tolerance)
			}
		})
	}
}

func TestLocationHash(t *testing.T) {
	tests := []struct {
		fix  *pkg.GeoFix
		want string
	}{
		{nil, UnknownLocation},
		{&pkg.GeoFix{Latitude: 59.32934, Longitude: 18.06863}, "59.329,18.069"},
		{&pkg.GeoFix{Latitude: -33.85681, Longitude: 151.21529}, "-33.857,151.215"},
		{&pkg.GeoFix{Latitude: 0.0001, Longitude: 0.0001}, "0.000,0.000"},
		{&pkg.GeoFix{Latitude: -0.0001, Longitude: -0.0001}, "0.000,0.000"},
		{&pkg.GeoFix{Latitude: -0.0004, Longitude: 179.9996}, "0.000,180.000"},
	}
	for _, tt := range tests {
		if got := LocationHash(tt.fix); got != tt.want {
			t.Errorf("LocationHash(%+v) = %q, want %q", tt.fix, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		fix  *pkg.GeoFix
		want error
	}{
		{"nil", nil, ErrNilFix},
		{"ok", &pkg.GeoFix{Latitude: 10, Longitude: 10, Accuracy: 5, Timestamp: now}, nil},
		{"latitude", &pkg.GeoFix{Latitude: 91, Accuracy: 5}, ErrInvalidLatitude},
		{"longitude", &pkg.GeoFix{Longitude: -181, Accuracy: 5}, ErrInvalidLon},
		{"accuracy", &pkg.GeoFix{Accuracy: 60}, ErrLowAccuracy},
		{"stale", &pkg.GeoFix{Accuracy: 5, Timestamp: now.Add(-time.Hour)}, ErrStaleFix},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.fix, 50, 5*time.Minute, now)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestConfidence(t *testing.T) {
	now := time.Now()
	if c := Confidence(nil, now); c != 0 {
		t.Errorf("Confidence(nil) = %f", c)
	}
	good := Confidence(&pkg.GeoFix{Accuracy: 5, Timestamp: now}, now)
	poor := Confidence(&pkg.GeoFix{Accuracy: 80, Timestamp: now}, now)
	old := Confidence(&pkg.GeoFix{Accuracy: 5, Timestamp: now.Add(-10 * time.Minute)}, now)
	if good != 1 {
		t.Errorf("good fix confidence = %f, want 1", good)
	}
	if poor >= good || old >= good {
		t.Errorf("poor=%f old=%f should be below good=%f", poor, old, good)
	}
}
