package gps

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/s2"

	"github.com/lightprint/sbta/pkg"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances
const EarthRadiusMeters = 6371000.0

// UnknownLocation is the hash used when no fix is available
const UnknownLocation = "unknown"

var (
	ErrNilFix          = errors.New("fix is nil")
	ErrInvalidLatitude = errors.New("invalid latitude")
	ErrInvalidLon      = errors.New("invalid longitude")
	ErrLowAccuracy     = errors.New("accuracy too low")
	ErrStaleFix        = errors.New("fix too stale")
)

// Haversine returns the great-circle distance in meters between two points
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * EarthRadiusMeters
}

// Distance returns the distance in meters between two fixes
func Distance(from, to *pkg.GeoFix) float64 {
	return Haversine(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
}

// LocationHash snaps a fix to a ~111 m grid by rounding to three decimals
func LocationHash(fix *pkg.GeoFix) string {
	if fix == nil {
		return UnknownLocation
	}
	return fmt.Sprintf("%.3f,%.3f", gridCoord(fix.Latitude), gridCoord(fix.Longitude))
}

// gridCoord rounds to three decimals with negative zero folded into zero
func gridCoord(v float64) float64 {
	r := math.Round(v*1000) / 1000
	if r == 0 {
		return 0
	}
	return r
}

// Validate checks coordinate bounds, accuracy and staleness. A zero
// maxAccuracy or maxAge disables that check.
func Validate(fix *pkg.GeoFix, maxAccuracy float64, maxAge time.Duration, now time.Time) error {
	if fix == nil {
		return ErrNilFix
	}
	if math.IsNaN(fix.Latitude) || fix.Latitude < -90 || fix.Latitude > 90 {
		return fmt.Errorf("%w: %f", ErrInvalidLatitude, fix.Latitude)
	}
	if math.IsNaN(fix.Longitude) || fix.Longitude < -180 || fix.Longitude > 180 {
		return fmt.Errorf("%w: %f", ErrInvalidLon, fix.Longitude)
	}
	if maxAccuracy > 0 && fix.Accuracy > maxAccuracy {
		return fmt.Errorf("%w: %.1fm > %.1fm", ErrLowAccuracy, fix.Accuracy, maxAccuracy)
	}
	if maxAge > 0 && !fix.Timestamp.IsZero() && now.Sub(fix.Timestamp) > maxAge {
		return fmt.Errorf("%w: %v", ErrStaleFix, now.Sub(fix.Timestamp))
	}
	return nil
}

// Confidence rates a fix between 0 and 1 from its accuracy and age
func Confidence(fix *pkg.GeoFix, now time.Time) float64 {
	if fix == nil {
		return 0
	}

	confidence := 1.0
	switch {
	case fix.Accuracy > 50:
		confidence *= 0.3
	case fix.Accuracy > 20:
		confidence *= 0.6
	case fix.Accuracy > 10:
		confidence *= 0.8
	}

	if !fix.Timestamp.IsZero() {
		age := now.Sub(fix.Timestamp)
		if age > 5*time.Minute {
			confidence *= 0.5
		} else if age > time.Minute {
			confidence *= 0.8
		}
	}
	return confidence
}
