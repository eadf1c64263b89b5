package models

import "time"

// AlertType identifies the template and audience of an outgoing alert.
type AlertType string

const (
	AlertTypeSOS                   AlertType = "sos"
	AlertTypeDangerZone            AlertType = "danger_zone"
	AlertTypeEmergencyCircleUpdate AlertType = "emergency_circle_update"
	AlertTypeSafeArrival           AlertType = "safe_arrival"
	AlertTypeCheckIn               AlertType = "check_in"
)

// IsValidAlertType checks if the given alert type is supported.
func IsValidAlertType(t AlertType) bool {
	switch t {
	case AlertTypeSOS, AlertTypeDangerZone, AlertTypeEmergencyCircleUpdate, AlertTypeSafeArrival, AlertTypeCheckIn:
		return true
	default:
		return false
	}
}

// AlertStatus represents the delivery status of an alert.
type AlertStatus string

const (
	// AlertStatusPending indicates delivery has not resolved yet.
	AlertStatusPending AlertStatus = "pending"
	// AlertStatusSent indicates a channel accepted the alert.
	AlertStatusSent AlertStatus = "sent"
	// AlertStatusDelivered indicates the channel confirmed every recipient.
	AlertStatusDelivered AlertStatus = "delivered"
	// AlertStatusFailed indicates no channel could deliver the alert.
	AlertStatusFailed AlertStatus = "failed"
)

// SOSAlert is a dispatched alert and its delivery outcome.
type SOSAlert struct {
	ID            string             `json:"id"`
	Type          AlertType          `json:"type"`
	Location      LocationSample     `json:"location"`
	Message       string             `json:"message"`
	Contacts      []EmergencyContact `json:"contacts"`
	Timestamp     time.Time          `json:"timestamp"`
	Status        AlertStatus        `json:"status"`
	UsingFallback bool               `json:"usingFallback"`
	Channel       string             `json:"channel,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// Succeeded reports whether some channel accepted the alert.
func (a SOSAlert) Succeeded() bool {
	return a.Status == AlertStatusSent || a.Status == AlertStatusDelivered
}

// Priority orders announcements.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
	PriorityEmergency
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParsePriority converts the textual form back into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "emergency":
		return PriorityEmergency, nil
	default:
		return 0, ErrInvalidPriority
	}
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// AlertMessage is an announcement placed on the announcement queue.
type AlertMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Priority  Priority  `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
}

// CircleSession describes the live-sharing session with trusted contacts.
type CircleSession struct {
	Active     bool               `json:"active"`
	StartedAt  time.Time          `json:"startedAt,omitempty"`
	LastUpdate time.Time          `json:"lastUpdate,omitempty"`
	Interval   time.Duration      `json:"interval"`
	Contacts   []EmergencyContact `json:"contacts,omitempty"`
}

// HealthStatus summarises engine state for health checks.
type HealthStatus struct {
	CircleActive     bool
	Zones            int
	InsideZones      []string
	Alerts           int
	LocationFailures int
	ScheduledJobs    int
}

// UserProfile carries the values templates are parameterized with.
type UserProfile struct {
	Name string `json:"name"`
}
