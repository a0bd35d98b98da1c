package solar

import (
	"math"
	"testing"
	"time"
)

func TestSunriseSunsetOrdering(t *testing.T) {
	day := time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)
	times := SunriseSunset(48.85, 2.35, day)

	if times.Sunrise == nil || times.Sunset == nil {
		t.Fatal("expected sunrise and sunset in Paris in April")
	}
	if !times.Sunrise.Before(times.SolarNoon) || !times.SolarNoon.Before(*times.Sunset) {
		t.Errorf("order broken: rise=%v noon=%v set=%v", times.Sunrise, times.SolarNoon, times.Sunset)
	}
	if times.DaylightMinutes < 13*60 || times.DaylightMinutes > 14*60 {
		t.Errorf("DaylightMinutes = %f", times.DaylightMinutes)
	}

	// sun is near the horizon at the computed sunrise
	pos := Compute(48.85, 2.35, *times.Sunrise, 0)
	if math.Abs(pos.Elevation-DaylightElevation) > 0.5 {
		t.Errorf("elevation at sunrise = %f", pos.Elevation)
	}
}

func TestSunriseSunsetEquatorNoon(t *testing.T) {
	times := SunriseSunset(0, 0, time.Date(2024, 3, 20, 15, 0, 0, 0, time.UTC))
	want := time.Date(2024, 3, 20, 12, 7, 0, 0, time.UTC)
	if d := times.SolarNoon.Sub(want); d > 2*time.Minute || d < -2*time.Minute {
		t.Errorf("SolarNoon = %v, want about %v", times.SolarNoon, want)
	}
}

func TestSunriseSunsetPolar(t *testing.T) {
	tests := []struct {
		name        string
		lat         float64
		date        time.Time
		wantMinutes float64
		polarDay    bool
	}{
		{"arctic summer", 80, time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC), 1440, true},
		{"arctic winter", 80, time.Date(2024, 12, 21, 0, 0, 0, 0, time.UTC), 0, false},
		{"antarctic summer", -80, time.Date(2024, 12, 21, 0, 0, 0, 0, time.UTC), 1440, true},
		{"antarctic winter", -80, time.Date(2024, 6, 21, 0, 0, 0, 0, time.UTC), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			times := SunriseSunset(tt.lat, 15, tt.date)
			if times.Sunrise != nil || times.Sunset != nil {
				t.Errorf("expected no sunrise/sunset, got %v / %v", times.Sunrise, times.Sunset)
			}
			if times.DaylightMinutes != tt.wantMinutes {
				t.Errorf("DaylightMinutes = %f, want %f", times.DaylightMinutes, tt.wantMinutes)
			}
			if times.PolarDay != tt.polarDay || times.PolarNight == tt.polarDay {
				t.Errorf("PolarDay=%v PolarNight=%v", times.PolarDay, times.PolarNight)
			}
		})
	}
}
