package models

import "fmt"

// LocationErrorKind enumerates the failure modes of a location provider.
type LocationErrorKind string

const (
	LocationPermissionDenied    LocationErrorKind = "PERMISSION_DENIED"
	LocationPositionUnavailable LocationErrorKind = "POSITION_UNAVAILABLE"
	LocationTimeout             LocationErrorKind = "TIMEOUT"
	LocationNotSupported        LocationErrorKind = "NOT_SUPPORTED"
)

// locationHints are the remediation messages shown to the user per error kind.
var locationHints = map[LocationErrorKind]string{
	LocationPermissionDenied:    "Location access is required for safety features. Please enable location permissions in your device settings.",
	LocationPositionUnavailable: "Unable to determine your location. Please check your GPS settings or try moving to an area with better signal.",
	LocationTimeout:             "Location request timed out. Please try again.",
	LocationNotSupported:        "Location services are not supported on this device.",
}

// LocationError is a classified location provider failure.
type LocationError struct {
	Kind      LocationErrorKind `json:"kind"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Hint      string            `json:"hint,omitempty"`
	Cause     error             `json:"-"`
}

// NewLocationError builds a LocationError with the retry flag and hint derived from kind.
func NewLocationError(kind LocationErrorKind, message string, cause error) *LocationError {
	if message == "" {
		message = string(kind)
	}
	return &LocationError{
		Kind:      kind,
		Message:   message,
		Retryable: kind != LocationPermissionDenied && kind != LocationNotSupported,
		Hint:      locationHints[kind],
		Cause:     cause,
	}
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("location %s: %s", e.Kind, e.Message)
}

func (e *LocationError) Unwrap() error {
	return e.Cause
}

// Terminal reports whether the error ends location access for the session.
func (e *LocationError) Terminal() bool {
	return !e.Retryable
}
