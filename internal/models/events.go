package models

import "time"

// EventType names an engine event consumed by the UI layer.
type EventType string

const (
	EventLocationError       EventType = "locationError"
	EventZoneEntered         EventType = "zoneEntered"
	EventSOSDispatched       EventType = "sosDispatched"
	EventCircleStatusChanged EventType = "circleStatusChanged"
)

// Event is the envelope for every emitted event.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// LocationErrorPayload is the payload of a locationError event.
type LocationErrorPayload struct {
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Kind      LocationErrorKind `json:"kind"`
	Hint      string            `json:"hint,omitempty"`
}

// ZoneEnteredPayload is the payload of a zoneEntered event.
type ZoneEnteredPayload struct {
	Zone DangerZone `json:"zone"`
}

// SOSDispatchedPayload is the payload of an sosDispatched event.
type SOSDispatchedPayload struct {
	Alert SOSAlert `json:"alert"`
}

// CircleStatusPayload is the payload of a circleStatusChanged event.
type CircleStatusPayload struct {
	Active bool `json:"active"`
}

// NewLocationErrorEvent wraps a location error as an event.
func NewLocationErrorEvent(err *LocationError, at time.Time) Event {
	return Event{Type: EventLocationError, Timestamp: at, Payload: LocationErrorPayload{
		Message:   err.Message,
		Retryable: err.Retryable,
		Kind:      err.Kind,
		Hint:      err.Hint,
	}}
}

// NewZoneEnteredEvent wraps a zone entry as an event.
func NewZoneEnteredEvent(zone DangerZone, at time.Time) Event {
	return Event{Type: EventZoneEntered, Timestamp: at, Payload: ZoneEnteredPayload{Zone: zone}}
}

// NewSOSDispatchedEvent wraps a dispatched alert as an event.
func NewSOSDispatchedEvent(alert SOSAlert, at time.Time) Event {
	return Event{Type: EventSOSDispatched, Timestamp: at, Payload: SOSDispatchedPayload{Alert: alert}}
}

// NewCircleStatusEvent wraps a circle transition as an event.
func NewCircleStatusEvent(active bool, at time.Time) Event {
	return Event{Type: EventCircleStatusChanged, Timestamp: at, Payload: CircleStatusPayload{Active: active}}
}
