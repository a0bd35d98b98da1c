package sbta

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoAnchorEnrolled     = errors.New("no SBTA anchor enrolled")
	ErrLocationMismatch     = errors.New("location mismatch")
	ErrGPSAccuracy          = errors.New("GPS accuracy too low")
	ErrNoLocationProvider   = errors.New("no location provider")
	ErrInvalidSolarPosition = errors.New("invalid solar position")
	ErrEnrollmentRejected   = errors.New("enrollment conditions rejected")
	ErrRateLimited          = errors.New("verification rate limit exceeded")
)

// EnrollmentError carries every reason an enrollment was refused. Err is
// the sentinel that classifies it.
type EnrollmentError struct {
	Reason string
	Issues []string
	Err    error
}

func newEnrollmentError(cause error, issues ...string) *EnrollmentError {
	return &EnrollmentError{
		Reason: strings.Join(issues, ", "),
		Issues: issues,
		Err:    cause,
	}
}

func (e *EnrollmentError) Error() string {
	return "enrollment failed: " + e.Reason
}

func (e *EnrollmentError) Unwrap() error { return e.Err }

// LocationMismatchError reports a fix outside the anchor geofence
type LocationMismatchError struct {
	DistanceMeters float64
	RadiusMeters   float64
}

func (e *LocationMismatchError) Error() string {
	return fmt.Sprintf("location mismatch: %.1fm (max: %.0fm)", e.DistanceMeters, e.RadiusMeters)
}

func (e *LocationMismatchError) Unwrap() error { return ErrLocationMismatch }
