package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// Keys of the documents the engine persists.
const (
	KeyContacts     = "emergency_contacts"
	KeyZones        = "danger_zones"
	KeyAlertHistory = "alert_history"
	KeyCircle       = "emergency_circle"
	KeyProfile      = "user_profile"
)

// LoadJSON decodes the document at key into v. It reports false when the key is unset.
func LoadJSON(ctx context.Context, s Store, key string, v interface{}) (bool, error) {
	data, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes v and writes it at key.
func SaveJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// Documents gives typed access to the engine's persisted documents.
type Documents struct {
	store Store
}

// NewDocuments wraps s.
func NewDocuments(s Store) *Documents {
	return &Documents{store: s}
}

// Contacts returns the current emergency contact list.
func (d *Documents) Contacts(ctx context.Context) ([]models.EmergencyContact, error) {
	var contacts []models.EmergencyContact
	if _, err := LoadJSON(ctx, d.store, KeyContacts, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

// SaveContacts validates and replaces the contact list.
func (d *Documents) SaveContacts(ctx context.Context, contacts []models.EmergencyContact) error {
	if err := models.ValidateContacts(contacts); err != nil {
		return err
	}
	return SaveJSON(ctx, d.store, KeyContacts, contacts)
}

// Zones returns the stored danger zones. It reports false when none were ever saved.
func (d *Documents) Zones(ctx context.Context) ([]models.DangerZone, bool, error) {
	var zones []models.DangerZone
	ok, err := LoadJSON(ctx, d.store, KeyZones, &zones)
	return zones, ok, err
}

// SaveZones validates and replaces the danger zones.
func (d *Documents) SaveZones(ctx context.Context, zones []models.DangerZone) error {
	if err := models.ValidateZones(zones); err != nil {
		return err
	}
	return SaveJSON(ctx, d.store, KeyZones, zones)
}

// AlertHistory returns the persisted alert history, oldest first.
func (d *Documents) AlertHistory(ctx context.Context) ([]models.SOSAlert, error) {
	var alerts []models.SOSAlert
	if _, err := LoadJSON(ctx, d.store, KeyAlertHistory, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

// SaveAlertHistory replaces the persisted alert history.
func (d *Documents) SaveAlertHistory(ctx context.Context, alerts []models.SOSAlert) error {
	return SaveJSON(ctx, d.store, KeyAlertHistory, alerts)
}

// CircleSession returns the persisted emergency circle session.
func (d *Documents) CircleSession(ctx context.Context) (models.CircleSession, bool, error) {
	var session models.CircleSession
	ok, err := LoadJSON(ctx, d.store, KeyCircle, &session)
	return session, ok, err
}

// SaveCircleSession persists the emergency circle session.
func (d *Documents) SaveCircleSession(ctx context.Context, session models.CircleSession) error {
	return SaveJSON(ctx, d.store, KeyCircle, session)
}

// Profile returns the stored user profile.
func (d *Documents) Profile(ctx context.Context) (models.UserProfile, error) {
	var p models.UserProfile
	if _, err := LoadJSON(ctx, d.store, KeyProfile, &p); err != nil {
		return p, err
	}
	return p, nil
}

// SaveProfile persists the user profile.
func (d *Documents) SaveProfile(ctx context.Context, p models.UserProfile) error {
	return SaveJSON(ctx, d.store, KeyProfile, p)
}
