// Package models defines the core data structures for GuardianPipe.
//
// It includes location samples, danger zones, contacts, alerts and announcement
// messages, which are shared across modules.
package models

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Freshness and validation constants.
const (
	// LocationFreshness is how long a sample may be reused before it is considered stale.
	LocationFreshness = 5 * time.Minute
	// MaxContactNameLength defines the maximum allowed length for a contact name.
	MaxContactNameLength = 100
	// MaxZoneRadiusMeters bounds the radius accepted for a danger zone.
	MaxZoneRadiusMeters = 50000
)

// Error variables for better error handling and testability
var (
	ErrEmptyContactID     = errors.New("contact id cannot be empty")
	ErrEmptyContactName   = errors.New("contact name cannot be empty")
	ErrContactNameTooLong = errors.New("contact name exceeds maximum length")
	ErrInvalidPhone       = errors.New("contact phone must be in E.164 format")
	ErrEmptyZoneID        = errors.New("zone id cannot be empty")
	ErrInvalidCoordinates = errors.New("coordinates out of range")
	ErrInvalidZoneRadius  = errors.New("zone radius must be positive and bounded")
	ErrInvalidRiskLevel   = errors.New("invalid risk level")
	ErrInvalidAlertType   = errors.New("invalid alert type")
	ErrEmptyAnnouncement  = errors.New("announcement text cannot be empty")
	ErrInvalidPriority    = errors.New("invalid announcement priority")
	ErrDuplicateContactID = errors.New("duplicate contact id")
	ErrDuplicateZoneID    = errors.New("duplicate zone id")
)

var validationErrors = []error{
	ErrEmptyContactID, ErrEmptyContactName, ErrContactNameTooLong, ErrInvalidPhone,
	ErrEmptyZoneID, ErrInvalidCoordinates, ErrInvalidZoneRadius, ErrInvalidRiskLevel,
	ErrDuplicateContactID, ErrDuplicateZoneID,
}

// IsValidationError reports whether err stems from contact or zone validation.
func IsValidationError(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var phoneNumberRegex = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// LocationSample is an immutable position fix.
type LocationSample struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"address,omitempty"`
}

// IsStale reports whether the sample is older than LocationFreshness at now.
func (s LocationSample) IsStale(now time.Time) bool {
	return now.Sub(s.Timestamp) > LocationFreshness
}

// WithAddress returns a copy of the sample carrying the resolved address.
func (s LocationSample) WithAddress(address string) LocationSample {
	s.Address = address
	return s
}

// ValidCoordinates reports whether lat/lon fall within WGS84 bounds.
func ValidCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// RiskLevel classifies a danger zone.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskExtreme  RiskLevel = "extreme"
)

// IsValidRiskLevel checks if the given risk level is supported.
func IsValidRiskLevel(r RiskLevel) bool {
	switch r {
	case RiskLow, RiskModerate, RiskHigh, RiskExtreme:
		return true
	default:
		return false
	}
}

// DangerZone is a circular geofenced area with an incident history.
type DangerZone struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Radius       float64   `json:"radius"`
	RiskLevel    RiskLevel `json:"riskLevel"`
	ReportCount  int       `json:"reportCount"`
	LastIncident time.Time `json:"lastIncident"`
}

// Validate performs validation on a DangerZone.
func (z *DangerZone) Validate() error {
	if z.ID == "" {
		return ErrEmptyZoneID
	}
	if !ValidCoordinates(z.Latitude, z.Longitude) {
		return ErrInvalidCoordinates
	}
	if z.Radius <= 0 || z.Radius > MaxZoneRadiusMeters {
		return ErrInvalidZoneRadius
	}
	if !IsValidRiskLevel(z.RiskLevel) {
		return ErrInvalidRiskLevel
	}
	return nil
}

// EmergencyContact is a trusted person who may receive alerts.
type EmergencyContact struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	Phone            string `json:"phone"`
	Relation         string `json:"relation,omitempty"`
	IsPrimary        bool   `json:"isPrimary"`
	CanReceiveAlerts bool   `json:"canReceiveAlerts"`
}

// Validate performs validation on an EmergencyContact.
func (c *EmergencyContact) Validate() error {
	if c.ID == "" {
		return ErrEmptyContactID
	}
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyContactName
	}
	if len(c.Name) > MaxContactNameLength {
		return ErrContactNameTooLong
	}
	if !phoneNumberRegex.MatchString(c.Phone) {
		return ErrInvalidPhone
	}
	return nil
}

// ValidateContacts validates every contact and rejects duplicate ids.
func ValidateContacts(contacts []EmergencyContact) error {
	seen := make(map[string]struct{}, len(contacts))
	for i := range contacts {
		if err := contacts[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[contacts[i].ID]; dup {
			return ErrDuplicateContactID
		}
		seen[contacts[i].ID] = struct{}{}
	}
	return nil
}

// ValidateZones validates every zone and rejects duplicate ids.
func ValidateZones(zones []DangerZone) error {
	seen := make(map[string]struct{}, len(zones))
	for i := range zones {
		if err := zones[i].Validate(); err != nil {
			return err
		}
		if _, dup := seen[zones[i].ID]; dup {
			return ErrDuplicateZoneID
		}
		seen[zones[i].ID] = struct{}{}
	}
	return nil
}

// MaskPhone hides all but the last four digits of a phone number for logging.
func MaskPhone(phone string) string {
	out := []byte(phone)
	digits := 0
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < '0' || out[i] > '9' {
			continue
		}
		digits++
		if digits > 4 {
			out[i] = '*'
		}
	}
	return string(out)
}
