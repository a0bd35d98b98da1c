package gps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/lightprint/sbta/pkg"
	"github.com/lightprint/sbta/pkg/retry"
)

// Output formats understood by CommandSource
const (
	FormatJSON     = "json"
	FormatCGPSINFO = "cgpsinfo"
)

// hdopToMeters is a rough conversion from dilution of precision to meters
const hdopToMeters = 5.0

var ErrNoFix = errors.New("no position in output")

// StaticSource always reports the same coordinates, stamped with the
// current time. Useful for fixed installations and tests.
type StaticSource struct {
	Fix      pkg.GeoFix
	Rank     int
	SourceID string
}

func (s *StaticSource) Name() string {
	if s.SourceID != "" {
		return s.SourceID
	}
	return "static"
}

func (s *StaticSource) Priority() int { return s.Rank }

func (s *StaticSource) GetFix(ctx context.Context) (*pkg.GeoFix, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fix := s.Fix
	fix.Timestamp = time.Now()
	if fix.Source == "" {
		fix.Source = s.Name()
	}
	return &fix, nil
}

// CommandSource runs an external helper and parses its stdout. JSON output
// may carry numbers or numeric strings (ubus style); cgpsinfo output is the
// modem AT+CGPSINFO line in DDMM.MMMM form.
type CommandSource struct {
	ID       string
	Argv     []string
	Format   string
	Rank     int
	Accuracy float64 // assumed accuracy when the output carries none

	runner *retry.Runner
}

// NewCommandSource creates a command-backed source. Retries are left to the
// Manager so the helper runs once per attempt.
func NewCommandSource(id, format string, rank int, argv ...string) *CommandSource {
	return &CommandSource{
		ID:       id,
		Argv:     argv,
		Format:   format,
		Rank:     rank,
		Accuracy: 10,
		runner:   retry.NewRunner(retry.Config{MaxAttempts: 1}),
	}
}

func (c *CommandSource) Name() string  { return c.ID }
func (c *CommandSource) Priority() int { return c.Rank }

func (c *CommandSource) GetFix(ctx context.Context) (*pkg.GeoFix, error) {
	if len(c.Argv) == 0 {
		return nil, fmt.Errorf("%s: no command configured", c.ID)
	}
	runner := c.runner
	if runner == nil {
		runner = retry.NewRunner(retry.Config{MaxAttempts: 1})
	}
	out, err := runner.Output(ctx, c.Argv[0], c.Argv[1:]...)
	if err != nil {
		return nil, err
	}

	var fix *pkg.GeoFix
	switch c.Format {
	case FormatCGPSINFO:
		fix, err = ParseCGPSINFO(string(out))
	default:
		fix, err = ParseJSONFix(out)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.ID, err)
	}
	if fix.Accuracy == 0 {
		fix.Accuracy = c.Accuracy
	}
	fix.Source = c.ID
	fix.Timestamp = time.Now()
	return fix, nil
}

// ParseJSONFix reads latitude, longitude, altitude, accuracy (or hdop),
// heading and speed from a JSON object
func ParseJSONFix(data []byte) (*pkg.GeoFix, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse fix: %w", err)
	}

	lat, okLat := number(raw["latitude"])
	lon, okLon := number(raw["longitude"])
	if !okLat || !okLon || (lat == 0 && lon == 0) {
		return nil, ErrNoFix
	}

	fix := &pkg.GeoFix{Latitude: lat, Longitude: lon}
	if alt, ok := number(raw["altitude"]); ok {
		fix.Altitude = alt
	}
	if acc, ok := number(raw["accuracy"]); ok {
		fix.Accuracy = acc
	} else if hdop, ok := number(raw["hdop"]); ok {
		fix.Accuracy = hdop * hdopToMeters
	}
	if heading, ok := number(raw["heading"]); ok {
		fix.Heading = &heading
	}
	if speed, ok := number(raw["speed"]); ok {
		fix.Speed = &speed
	}
	return fix, nil
}

// ParseCGPSINFO parses "+CGPSINFO: lat,N,lon,E,date,time,alt,speed,course"
func ParseCGPSINFO(output string) (*pkg.GeoFix, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "+CGPSINFO:") {
			continue
		}
		parts := strings.Split(strings.TrimSpace(strings.TrimPrefix(line, "+CGPSINFO:")), ",")
		if len(parts) < 9 || parts[0] == "" {
			continue
		}

		lat, err1 := strconv.ParseFloat(parts[0], 64)
		lon, err2 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		lat = toDecimalDegrees(lat)
		lon = toDecimalDegrees(lon)
		if strings.EqualFold(parts[1], "S") {
			lat = -lat
		}
		if strings.EqualFold(parts[3], "W") {
			lon = -lon
		}

		fix := &pkg.GeoFix{Latitude: lat, Longitude: lon}
		if alt, err := strconv.ParseFloat(parts[6], 64); err == nil {
			fix.Altitude = alt
		}
		if speed, err := strconv.ParseFloat(parts[7], 64); err == nil {
			mps := speed * 0.514444 // knots
			fix.Speed = &mps
		}
		if course, err := strconv.ParseFloat(parts[8], 64); err == nil {
			fix.Heading = &course
		}
		return fix, nil
	}
	return nil, ErrNoFix
}

// toDecimalDegrees converts DDMM.MMMM to decimal degrees
func toDecimalDegrees(coord float64) float64 {
	degrees := math.Floor(coord / 100)
	minutes := coord - degrees*100
	return degrees + minutes/60
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
