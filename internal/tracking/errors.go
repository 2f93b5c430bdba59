package tracking

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation rejects malformed input before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrActiveSessionExists rejects a trip start on a route that already
	// has an active session.
	ErrActiveSessionExists = errors.New("route already has an active session")
	// ErrSessionNotFound covers operations on a nonexistent session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotActive covers stop events and resumes against a
	// completed session.
	ErrSessionNotActive = errors.New("session is not active")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Validate enforces presence and geographic range before any write happens.
func (f LocationFix) Validate() error {
	if f.SessionID == "" || f.RouteID == "" {
		return validationf("session_id and route_id required")
	}
	if f.Latitude < -90 || f.Latitude > 90 {
		return validationf("latitude %v out of range", f.Latitude)
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return validationf("longitude %v out of range", f.Longitude)
	}
	return nil
}
