package timesync

import (
	"context"
	"time"

	"github.com/lightprint/sbta/pkg"
)

// DriftWarningThreshold is the drift above which a check carries a warning
const DriftWarningThreshold = 5 * time.Second

const (
	WarningClockDrift = "Clock drift detected"
	WarningNoSource   = "Could not verify system time"
)

// Result is the outcome of comparing local and network time
type Result struct {
	LocalTime    time.Time  `json:"local_time"`
	NetworkTime  *time.Time `json:"network_time,omitempty"`
	DriftMs      int64      `json:"drift_ms"`
	Valid        bool       `json:"valid"`
	Synchronized bool       `json:"synchronized"`
	Warning      string     `json:"warning,omitempty"`
}

// Drift returns the absolute drift as a duration
func (r Result) Drift() time.Duration {
	return time.Duration(r.DriftMs) * time.Millisecond
}

// Check reads the local clock then asks the oracle for reference time. An
// unreachable oracle yields a valid but unsynchronized result.
func Check(ctx context.Context, clock pkg.ClockOracle, maxDrift time.Duration) Result {
	if clock == nil {
		return Result{LocalTime: time.Now(), Valid: true, Warning: WarningNoSource}
	}

	local := clock.Now()
	res := Result{LocalTime: local, Valid: true}

	ref, ok := clock.ReferenceNow(ctx)
	if !ok {
		res.Warning = WarningNoSource
		return res
	}

	drift := local.Sub(ref)
	if drift < 0 {
		drift = -drift
	}
	res.NetworkTime = &ref
	res.Synchronized = true
	res.DriftMs = drift.Milliseconds()
	res.Valid = drift < maxDrift
	if drift > DriftWarningThreshold {
		res.Warning = WarningClockDrift
	}
	return res
}
