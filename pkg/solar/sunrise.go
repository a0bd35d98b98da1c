package solar

import (
	"math"
	"time"
)

// DayTimes holds the rise, set and transit times for one UTC day. Sunrise
// and Sunset are nil during polar day or polar night.
type DayTimes struct {
	Sunrise         *time.Time `json:"sunrise,omitempty"`
	Sunset          *time.Time `json:"sunset,omitempty"`
	SolarNoon       time.Time  `json:"solar_noon"`
	DaylightMinutes float64    `json:"daylight_minutes"`
	PolarDay        bool       `json:"polar_day,omitempty"`
	PolarNight      bool       `json:"polar_night,omitempty"`
}

// SunriseSunset solves the sunrise hour angle at zenith 90.833° for the UTC
// day containing date.
func SunriseSunset(lat, lon float64, date time.Time) DayTimes {
	u := date.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)

	// declination and equation of time evaluated at local transit
	o := solve(JulianCentury(JulianDay(midnight) + 0.5 - lon/360.0))

	noonMinutes := 720 - 4*lon - o.eqTime
	out := DayTimes{
		SolarNoon: midnight.Add(minutes(noonMinutes)),
	}

	ha, cosH := sunriseHourAngle(lat, o.declination, sunriseZenith)
	if math.IsNaN(ha) {
		// cosH < -1: sun never sets; cosH > 1 (or undefined at the poles with
		// the sun below the horizon): never rises
		if cosH < -1 {
			out.PolarDay = true
			out.DaylightMinutes = 1440
		} else {
			out.PolarNight = true
			out.DaylightMinutes = 0
		}
		return out
	}

	rise := midnight.Add(minutes(noonMinutes - 4*ha))
	set := midnight.Add(minutes(noonMinutes + 4*ha))
	out.Sunrise = &rise
	out.Sunset = &set
	out.DaylightMinutes = 8 * ha
	return out
}

// sunriseHourAngle returns the hour angle in degrees, or NaN when the sun
// does not cross the given zenith that day. cosH is returned for callers
// that need to tell polar day from polar night.
func sunriseHourAngle(lat, declination, zenith float64) (float64, float64) {
	latRad := toRadians(lat)
	decRad := toRadians(declination)

	cosH := (math.Cos(toRadians(zenith)) - math.Sin(latRad)*math.Sin(decRad)) /
		(math.Cos(latRad) * math.Cos(decRad))

	if math.IsNaN(cosH) || cosH > 1 || cosH < -1 {
		return math.NaN(), cosH
	}
	return toDegrees(math.Acos(cosH)), cosH
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
