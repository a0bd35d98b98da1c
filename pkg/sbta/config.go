package sbta

import (
	"time"

	"github.com/lightprint/sbta/pkg/retry"
)

// Config holds engine configuration
type Config struct {
	// Geofence and enrollment limits
	GeofenceRadiusM    float64 `json:"geofence_radius_m" yaml:"geofence_radius_m"`
	MaxEnrollAccuracyM float64 `json:"max_enroll_accuracy_m" yaml:"max_enroll_accuracy_m"`

	// Clock drift tolerated before the time check is marked invalid
	MaxTimeDrift time.Duration `json:"max_time_drift" yaml:"max_time_drift"`

	// Lighting expectations
	MinLuminanceDay    float64 `json:"min_luminance_day" yaml:"min_luminance_day"`
	MaxLuminanceNight  float64 `json:"max_luminance_night" yaml:"max_luminance_night"`
	ElevationThreshold float64 `json:"elevation_threshold" yaml:"elevation_threshold"`

	RequireVectorMatch bool `json:"require_vector_match" yaml:"require_vector_match"`

	// Calibration
	CalibrationSamples  int           `json:"calibration_samples" yaml:"calibration_samples"`
	CalibrationInterval time.Duration `json:"calibration_interval" yaml:"calibration_interval"`

	// Scoring weights (sum to 1.0)
	WeightLocation float64 `json:"weight_location" yaml:"weight_location"`
	WeightSolar    float64 `json:"weight_solar" yaml:"weight_solar"`
	WeightLighting float64 `json:"weight_lighting" yaml:"weight_lighting"`
	WeightNeural   float64 `json:"weight_neural" yaml:"weight_neural"`
	WeightTime     float64 `json:"weight_time" yaml:"weight_time"`

	// VerifyRatePerMin caps Verify attempts; 0 means unlimited
	VerifyRatePerMin int `json:"verify_rate_per_min" yaml:"verify_rate_per_min"`

	// FrameRetry bounds how long the engine waits for a first camera frame
	FrameRetry retry.Config `json:"frame_retry" yaml:"frame_retry"`

	Device   string         `json:"device" yaml:"device"`
	Location *time.Location `json:"-" yaml:"-"`
}

// DefaultConfig returns the stock engine settings
func DefaultConfig() Config {
	return Config{
		GeofenceRadiusM:     100,
		MaxEnrollAccuracyM:  50,
		MaxTimeDrift:        300 * time.Second,
		MinLuminanceDay:     50,
		MaxLuminanceNight:   30,
		ElevationThreshold:  -0.833,
		RequireVectorMatch:  true,
		CalibrationSamples:  3,
		CalibrationInterval: 2 * time.Second,
		WeightLocation:      0.35,
		WeightSolar:         0.25,
		WeightLighting:      0.20,
		WeightNeural:        0.15,
		WeightTime:          0.05,
		FrameRetry: retry.Config{
			MaxAttempts:   3,
			InitialDelay:  50 * time.Millisecond,
			MaxDelay:      500 * time.Millisecond,
			BackoffFactor: 2.0,
		},
	}
}

// withDefaults fills zero-valued fields from DefaultConfig. Luminance and
// elevation thresholds are taken as given since zero is a valid setting.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.GeofenceRadiusM <= 0 {
		c.GeofenceRadiusM = def.GeofenceRadiusM
	}
	if c.MaxEnrollAccuracyM <= 0 {
		c.MaxEnrollAccuracyM = def.MaxEnrollAccuracyM
	}
	if c.MaxTimeDrift <= 0 {
		c.MaxTimeDrift = def.MaxTimeDrift
	}
	if c.CalibrationSamples <= 0 {
		c.CalibrationSamples = def.CalibrationSamples
	}
	if c.CalibrationInterval < 0 {
		c.CalibrationInterval = 0
	}

	// Set default weights if not provided
	if c.WeightLocation == 0 && c.WeightSolar == 0 && c.WeightLighting == 0 &&
		c.WeightNeural == 0 && c.WeightTime == 0 {
		c.WeightLocation = def.WeightLocation
		c.WeightSolar = def.WeightSolar
		c.WeightLighting = def.WeightLighting
		c.WeightNeural = def.WeightNeural
		c.WeightTime = def.WeightTime
	}
	if c.FrameRetry.MaxAttempts == 0 {
		c.FrameRetry = def.FrameRetry
	}
	if c.Device == "" {
		c.Device = "unknown"
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}
