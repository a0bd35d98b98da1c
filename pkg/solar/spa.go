// Package solar computes the apparent position of the sun for an observer
// using the NOAA solar position equations.
package solar

import (
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"
)

const (
	JulianEpoch2000    = 2451545.0
	JulianCenturyDays  = 36525.0
	EarthRadiusMeters  = 6371000.0
	AstronomicalUnitKM = 149597870.7

	// DaylightElevation is the geometric elevation of the sun's upper limb at
	// apparent sunrise, solar radius plus standard refraction.
	DaylightElevation = -0.833

	refractionCutoff = -0.575
	sunriseZenith    = 90.833

	// standard atmosphere used to scale refraction
	standardPressureHPa = 1010.0
	standardTempC       = 10.0

	// equatorial horizontal parallax of the sun at 1 AU, arcseconds
	solarParallaxArcsec = 8.794
)

// Position is the sun as seen by an observer at one instant
type Position struct {
	Elevation       float64    `json:"elevation"`
	Azimuth         float64    `json:"azimuth"`
	Declination     float64    `json:"declination"`
	RightAscension  float64    `json:"right_ascension"`
	EquationOfTime  float64    `json:"equation_of_time_min"`
	HourAngle       float64    `json:"hour_angle"`
	DistanceAU      float64    `json:"distance_au"`
	Sunrise         *time.Time `json:"sunrise,omitempty"`
	Sunset          *time.Time `json:"sunset,omitempty"`
	SolarNoon       *time.Time `json:"solar_noon,omitempty"`
	DaylightMinutes float64    `json:"daylight_minutes"`
	IsDaylight      bool       `json:"is_daylight"`
	ComputedAt      time.Time  `json:"computed_at"`
}

// Valid reports whether the elevation is inside the physical range
func (p Position) Valid() bool {
	return !math.IsNaN(p.Elevation) && p.Elevation >= -90 && p.Elevation <= 90 &&
		!math.IsNaN(p.Azimuth) && p.Azimuth >= 0 && p.Azimuth < 360
}

// JulianDay converts an instant to a Julian date with sub-second precision
func JulianDay(t time.Time) float64 {
	u := t.UTC()
	jd := satellite.JDay(u.Year(), int(u.Month()), u.Day(), u.Hour(), u.Minute(), u.Second())
	return jd + float64(u.Nanosecond())/(86400.0*1e9)
}

// JulianCentury returns centuries elapsed since J2000.0
func JulianCentury(jd float64) float64 {
	return (jd - JulianEpoch2000) / JulianCenturyDays
}

// orbit holds the slowly varying solar terms shared by all calculations
type orbit struct {
	meanLong     float64
	meanAnomaly  float64
	eccentricity float64
	trueAnomaly  float64
	apparentLong float64
	obliquity    float64
	declination  float64
	rightAsc     float64
	eqTime       float64
}

func solve(t float64) orbit {
	var o orbit
	o.meanLong = normalizeDegrees(280.46646 + t*(36000.76983+t*0.0003032))
	o.meanAnomaly = 357.52911 + t*(35999.05029-0.0001537*t)
	o.eccentricity = 0.016708634 - t*(0.000042037+0.0000001267*t)

	c := equationOfCenter(t, o.meanAnomaly)
	trueLong := o.meanLong + c
	o.trueAnomaly = o.meanAnomaly + c

	omega := 125.04 - 1934.136*t
	o.apparentLong = trueLong - 0.00569 - 0.00478*math.Sin(toRadians(omega))
	o.obliquity = meanObliquity(t) + 0.00256*math.Cos(toRadians(omega))

	lambda := toRadians(o.apparentLong)
	eps := toRadians(o.obliquity)
	o.declination = toDegrees(math.Asin(math.Sin(eps) * math.Sin(lambda)))
	o.rightAsc = normalizeDegrees(toDegrees(math.Atan2(math.Cos(eps)*math.Sin(lambda), math.Cos(lambda))))
	o.eqTime = equationOfTime(o.obliquity, o.meanLong, o.eccentricity, o.meanAnomaly)
	return o
}

func equationOfCenter(t, m float64) float64 {
	mRad := toRadians(m)
	return math.Sin(mRad)*(1.914602-t*(0.004817+0.000014*t)) +
		math.Sin(2*mRad)*(0.019993-0.000101*t) +
		math.Sin(3*mRad)*0.000289
}

func meanObliquity(t float64) float64 {
	seconds := 21.448 - t*(46.8150+t*(0.00059-t*0.001813))
	return 23.0 + (26.0+seconds/60.0)/60.0
}

// equationOfTime returns apparent minus mean solar time in minutes
func equationOfTime(obliquity, l0, e, m float64) float64 {
	y := math.Tan(toRadians(obliquity) / 2)
	y *= y

	l0r := toRadians(l0)
	mr := toRadians(m)

	et := y*math.Sin(2*l0r) -
		2*e*math.Sin(mr) +
		4*e*y*math.Sin(mr)*math.Cos(2*l0r) -
		0.5*y*y*math.Sin(4*l0r) -
		1.25*e*e*math.Sin(2*mr)

	return toDegrees(et) * 4.0
}

func radiusVector(e, trueAnomaly float64) float64 {
	return (1.000001018 * (1 - e*e)) / (1 + e*math.Cos(toRadians(trueAnomaly)))
}

// Compute returns the sun's position for an observer at lat/lon (degrees)
// and elevationMeters above sea level. Nothing is cached between calls.
func Compute(lat, lon float64, at time.Time, elevationMeters float64) Position {
	jd := JulianDay(at)
	t := JulianCentury(jd)
	o := solve(t)

	// sidereal time at the observer
	gmst := toDegrees(satellite.ThetaG_JD(jd))
	lmst := normalizeDegrees(gmst + lon)
	ha := normalizeHourAngle(lmst - o.rightAsc)

	latRad := toRadians(lat)
	decRad := toRadians(o.declination)
	haRad := toRadians(ha)

	sinEl := math.Sin(latRad)*math.Sin(decRad) + math.Cos(latRad)*math.Cos(decRad)*math.Cos(haRad)
	geocentric := toDegrees(math.Asin(clamp(sinEl, -1, 1)))

	distance := radiusVector(o.eccentricity, o.trueAnomaly)
	elevation := geocentric + refraction(geocentric) - parallax(geocentric, distance) + horizonDip(elevationMeters)
	elevation = clamp(elevation, -90, 90)

	azimuth := toDegrees(math.Atan2(
		math.Sin(haRad),
		math.Cos(haRad)*math.Sin(latRad)-math.Tan(decRad)*math.Cos(latRad),
	)) + 180

	pos := Position{
		Elevation:      elevation,
		Azimuth:        normalizeDegrees(azimuth),
		Declination:    o.declination,
		RightAscension: o.rightAsc,
		EquationOfTime: o.eqTime,
		HourAngle:      ha,
		DistanceAU:     distance,
		IsDaylight:     elevation > DaylightElevation,
		ComputedAt:     at,
	}

	day := SunriseSunset(lat, lon, at)
	pos.Sunrise = day.Sunrise
	pos.Sunset = day.Sunset
	noon := day.SolarNoon
	pos.SolarNoon = &noon
	pos.DaylightMinutes = day.DaylightMinutes

	return pos
}

// refraction is the Saemundsson approximation in degrees, zero below the
// cutoff where the formula diverges
func refraction(elevation float64) float64 {
	if elevation <= refractionCutoff {
		return 0
	}
	tanTerm := math.Tan(toRadians(elevation + 10.3/(elevation+5.11)))
	r := (1.02 / (tanTerm + 0.0019279)) / 60.0
	return r * (standardPressureHPa / 1010.0) * (283.0 / (273.0 + standardTempC))
}

// parallax of the sun in degrees for the given distance in AU
func parallax(elevation, distanceAU float64) float64 {
	if distanceAU <= 0 {
		return 0
	}
	return solarParallaxArcsec / 3600.0 / distanceAU * math.Cos(toRadians(elevation))
}

// horizonDip raises the apparent elevation for observers above sea level
func horizonDip(elevationMeters float64) float64 {
	if elevationMeters <= 0 {
		return 0
	}
	return toDegrees(math.Sqrt(2 * elevationMeters / EarthRadiusMeters))
}

func normalizeDegrees(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	if d >= 360 {
		d -= 360
	}
	return d
}

// normalizeHourAngle maps an angle into (-180, 180]
func normalizeHourAngle(deg float64) float64 {
	d := normalizeDegrees(deg)
	if d > 180 {
		d -= 360
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }
