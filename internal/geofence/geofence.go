// Package geofence tracks which danger zones the user is inside and reports
// transitions.
package geofence

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/GuardianPipe/internal/geo"
	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// EventKind is the direction of a membership transition.
type EventKind string

const (
	EventEnter EventKind = "enter"
	EventExit  EventKind = "exit"
)

// ZoneEvent is a single membership transition.
type ZoneEvent struct {
	ZoneID string            `json:"zoneId"`
	Kind   EventKind         `json:"kind"`
	Zone   models.DangerZone `json:"zone"`
	// Alert is set on the first enter of an evaluation; only that one is
	// surfaced to the user.
	Alert bool `json:"alert"`
}

// Evaluator holds the zone set and per-zone membership.
type Evaluator struct {
	mu     sync.Mutex
	zones  []models.DangerZone
	inside map[string]bool
}

// NewEvaluator creates an Evaluator for zones.
func NewEvaluator(zones []models.DangerZone) *Evaluator {
	e := &Evaluator{inside: make(map[string]bool)}
	e.zones = append([]models.DangerZone(nil), zones...)
	return e
}

// Evaluate applies sample to the membership state and returns the transitions it caused.
func (e *Evaluator) Evaluate(sample models.LocationSample) []ZoneEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	at := geo.Point{Lat: sample.Latitude, Lon: sample.Longitude}
	var events []ZoneEvent
	alerted := false
	for _, zone := range e.zones {
		dist := geo.DistanceMeters(at, geo.Point{Lat: zone.Latitude, Lon: zone.Longitude})
		now := dist <= zone.Radius
		was := e.inside[zone.ID]
		if now == was {
			continue
		}
		e.inside[zone.ID] = now

		ev := ZoneEvent{ZoneID: zone.ID, Zone: zone, Kind: EventExit}
		if now {
			ev.Kind = EventEnter
			ev.Alert = !alerted
			alerted = true
		}
		slog.Debug("Evaluator.Evaluate: zone transition", "zoneID", zone.ID, "kind", ev.Kind, "distance", dist, "alert", ev.Alert)
		events = append(events, ev)
	}
	return events
}

// Inside returns the ids of zones the user is currently in.
func (e *Evaluator) Inside() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []string
	for _, zone := range e.zones {
		if e.inside[zone.ID] {
			ids = append(ids, zone.ID)
		}
	}
	return ids
}

// Zones returns a copy of the known zones.
func (e *Evaluator) Zones() []models.DangerZone {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.DangerZone(nil), e.zones...)
}

// SetZones replaces the zone set. Membership is kept for zones that remain.
func (e *Evaluator) SetZones(zones []models.DangerZone) {
	e.mu.Lock()
	defer e.mu.Unlock()
	keep := make(map[string]bool, len(zones))
	for _, z := range zones {
		if e.inside[z.ID] {
			keep[z.ID] = true
		}
	}
	e.zones = append([]models.DangerZone(nil), zones...)
	e.inside = keep
}
