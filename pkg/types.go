package pkg

import (
	"context"
	"image"
	"time"
)

// GeoFix is a single position report from a location provider
type GeoFix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  float64   `json:"altitude"`   // meters, 0 when unknown
	Accuracy  float64   `json:"accuracy_m"` // horizontal accuracy in meters
	Timestamp time.Time `json:"timestamp"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Source    string    `json:"source,omitempty"`
	Samples   int       `json:"samples,omitempty"` // readings considered when picking this fix
	Warning   string    `json:"warning,omitempty"`
}

// LocationProvider yields the current position. Implementations may block
// for several seconds and should return the best fix seen before ctx expires.
type LocationProvider interface {
	GetFix(ctx context.Context) (*GeoFix, error)
}

// ImageSampler returns the current region of interest. A nil image with a
// nil error means no frame is available yet.
type ImageSampler interface {
	Sample() (image.Image, error)
}

// EmbeddingProvider turns an image into a fixed-length feature vector
type EmbeddingProvider interface {
	Embed(ctx context.Context, img image.Image) ([]float64, error)
}

// ClockOracle exposes the local clock and a best-effort external reference
type ClockOracle interface {
	Now() time.Time
	// ReferenceNow returns false when no upstream source answered
	ReferenceNow(ctx context.Context) (time.Time, bool)
}

// OrientationSensor reports device orientation angles in degrees
type OrientationSensor interface {
	Orientation() (alpha, beta, gamma float64, ok bool)
}

// Record is one persisted template entry
type Record struct {
	ID        int64     `json:"id"`
	Mode      string    `json:"mode"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// AnchorStore persists template records keyed by mode. Save is atomic per
// record and List returns records in insertion order.
type AnchorStore interface {
	Save(ctx context.Context, mode string, data []byte) error
	List(ctx context.Context, mode string) ([]Record, error)
	Clear(ctx context.Context, mode string) error
}

// Providers bundles the per-call collaborators of an engine operation.
// Embedding is optional and may be nil.
type Providers struct {
	Location  LocationProvider
	Images    ImageSampler
	Clock     ClockOracle
	Embedding EmbeddingProvider
}

// Template modes
const (
	ModeSBTA = "sbta"
)

// Event types
const (
	EventEnrolled    = "enrolled"
	EventCalibrated  = "calibrated"
	EventVerified    = "verified"
	EventRejected    = "rejected"
	EventError       = "error"
	EventWiped       = "wiped"
	EventConfigLoad  = "config_load"
	EventClockDrift  = "clock_drift"
	EventGPSDegraded = "gps_degraded"
)
