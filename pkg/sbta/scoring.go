package sbta

import (
	"fmt"
	"math"
	"time"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/embedding"
	"github.com/lightprint/sbta/pkg/gps"
	"github.com/lightprint/sbta/pkg/lighting"
	"github.com/lightprint/sbta/pkg/solar"
	"github.com/lightprint/sbta/pkg/timesync"
)

const (
	elevationTolerance = 15.0 // degrees
	daylightMismatch   = 0.5
	unsyncedTimeScore  = 0.8

	solarElevationWeight = 0.6
	solarDaylightWeight  = 0.3
	solarNoonWeight      = 0.1

	brightnessMismatchPenalty = 0.7
	artificialDaylightPenalty = 0.8
	uniformBrightPenalty      = 0.6
	uniformBrightLuminance    = 100.0
	minColorFactor            = 0.5
	minAccuracyFactor         = 0.5

	halfDayDegrees = 180.0

	warnDriftThreshold = 10 * time.Second
)

// Warning and recommendation texts
const (
	WarnLocationLow       = "Location accuracy low"
	WarnSolarMismatch     = "Solar position mismatch"
	WarnLightingSuspect   = "Lighting conditions suspicious"
	WarnArtificialDaytime = "Artificial lighting during daytime"
	WarnClockDrifted      = "System clock significantly drifted"
	WarnBrightAtNight     = "Bright light after dark"

	RecMoveToAnchor  = "Move to original enrollment location"
	RecNaturalLight  = "Use natural lighting if possible"
	RecOptimalTime   = "Current time is optimal for verification"
	RecEnrollFirst   = "Enroll an anchor first"
	RecReadyToVerify = "Ready for verification"
)

// EnrollRecommendations is the advice returned with every new anchor
var EnrollRecommendations = []string{
	"Use in similar lighting conditions",
	"Re-calibrate if traveling >10km",
	"Verify periodically for seasonal changes",
}

// Scores are the per-factor results of one verification, each in [0, 1]
type Scores struct {
	Location float64 `json:"location"`
	Solar    float64 `json:"solar"`
	Lighting float64 `json:"lighting"`
	Neural   float64 `json:"neural"`
	Time     float64 `json:"time"`
}

// Factors returns the scores in lattice order
func (s Scores) Factors() []float64 {
	return []float64{s.Location, s.Solar, s.Lighting, s.Neural, s.Time}
}

// weighted fuses the scores with the configured weights
func (c Config) weighted(s Scores) float64 {
	return s.Location*c.WeightLocation +
		s.Solar*c.WeightSolar +
		s.Lighting*c.WeightLighting +
		s.Neural*c.WeightNeural +
		s.Time*c.WeightTime
}

// locationScore falls linearly to zero at the geofence edge. A fix less
// precise than the enrollment limit is scaled down but never below half.
// A replayed last-known fix is further scaled by its age and accuracy.
func (c Config) locationScore(distance float64, fix *pkg.GeoFix, now time.Time) float64 {
	score := math.Max(0, 1-distance/c.GeofenceRadiusM)
	if fix != nil && fix.Accuracy > c.MaxEnrollAccuracyM {
		score *= math.Max(minAccuracyFactor, c.MaxEnrollAccuracyM/fix.Accuracy)
	}
	if fix != nil && fix.Warning == gps.LastKnownWarning {
		score *= gps.Confidence(fix, now)
	}
	return unit(score)
}

// solarScore compares the anchor and current sun. The noon term is the
// distance of the current hour angle from the nearest transit.
func solarScore(anchor, current solar.Position) float64 {
	diff := math.Abs(anchor.Elevation - current.Elevation)
	elevation := math.Max(0, 1-diff/elevationTolerance)

	daylight := 1.0
	if anchor.IsDaylight != current.IsDaylight {
		daylight = daylightMismatch
	}

	noonScore := math.Max(0, 1-math.Abs(current.HourAngle)/halfDayDegrees)

	return unit(elevation*solarElevationWeight + daylight*solarDaylightWeight + noonScore*solarNoonWeight)
}

// lightingScore starts at 1 and applies multiplicative spoofing penalties
func (c Config) lightingScore(anchor, current lighting.Profile, daylight bool) float64 {
	score := 1.0

	bright := current.Luminance > c.MinLuminanceDay
	if bright != daylight {
		score *= brightnessMismatchPenalty
	}
	if current.IsArtificial && daylight {
		score *= artificialDaylightPenalty
	}
	if current.IsUniform && current.Luminance > uniformBrightLuminance {
		score *= uniformBrightPenalty
	}
	score *= math.Max(minColorFactor, 1-anchor.ColorBalance.Distance(current.ColorBalance))

	return unit(score)
}

// neuralScore is the non-negative cosine similarity. Missing vectors are
// neutral.
func neuralScore(anchor, current []float64) float64 {
	if len(anchor) == 0 || len(current) == 0 {
		return 1.0
	}
	return math.Max(0, embedding.Cosine(anchor, current))
}

func timeScore(res timesync.Result) float64 {
	if res.Synchronized {
		return 1.0
	}
	return unsyncedTimeScore
}

func (c Config) warnings(s Scores, sun solar.Position, light lighting.Profile, clock timesync.Result, fix *pkg.GeoFix) []string {
	warnings := make([]string, 0)

	if s.Location < 0.7 {
		warnings = append(warnings, WarnLocationLow)
	}
	if s.Solar < 0.6 {
		warnings = append(warnings, WarnSolarMismatch)
	}
	if s.Lighting < 0.5 {
		warnings = append(warnings, WarnLightingSuspect)
	}
	if light.IsArtificial && sun.IsDaylight {
		warnings = append(warnings, WarnArtificialDaytime)
	}
	if !sun.IsDaylight && light.Luminance > c.MaxLuminanceNight {
		warnings = append(warnings, WarnBrightAtNight)
	}
	if clock.Drift() > warnDriftThreshold {
		warnings = append(warnings, WarnClockDrifted)
	}
	if fix != nil && fix.Warning != "" {
		warnings = append(warnings, fix.Warning)
	}
	return warnings
}

func (c Config) recommendations(s Scores, anchor *Anchor, now time.Time) []string {
	recs := make([]string, 0)

	if s.Location < 0.9 {
		recs = append(recs, RecMoveToAnchor)
	}
	if s.Solar < 0.8 {
		recs = append(recs, c.optimalTime(anchor, now))
	}
	if s.Lighting < 0.7 {
		recs = append(recs, RecNaturalLight)
	}
	return recs
}

// optimalTime suggests the hour of day the anchor was enrolled at
func (c Config) optimalTime(anchor *Anchor, now time.Time) string {
	anchorHour := anchor.CreatedAt.In(c.Location).Hour()
	currentHour := now.In(c.Location).Hour()
	diff := anchorHour - currentHour
	if diff < 0 {
		diff = -diff
	}
	if diff > 2 {
		return fmt.Sprintf("Try verification around %d:00 ±1 hour", anchorHour)
	}
	return RecOptimalTime
}

func unit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
