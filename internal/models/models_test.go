package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEmergencyContactValidate(t *testing.T) {
	tests := []struct {
		name    string
		contact EmergencyContact
		want    error
	}{
		{"valid", EmergencyContact{ID: "c1", Name: "Asha", Phone: "+919876543210"}, nil},
		{"missing id", EmergencyContact{Name: "Asha", Phone: "+919876543210"}, ErrEmptyContactID},
		{"blank name", EmergencyContact{ID: "c1", Name: "  ", Phone: "+919876543210"}, ErrEmptyContactName},
		{"local phone", EmergencyContact{ID: "c1", Name: "Asha", Phone: "9876543210"}, ErrInvalidPhone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.contact.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateContactsRejectsDuplicates(t *testing.T) {
	c := EmergencyContact{ID: "c1", Name: "Asha", Phone: "+919876543210"}
	if err := ValidateContacts([]EmergencyContact{c, c}); !errors.Is(err, ErrDuplicateContactID) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
}

func TestIsValidationError(t *testing.T) {
	if !IsValidationError(fmt.Errorf("save contacts: %w", ErrInvalidPhone)) {
		t.Error("wrapped phone error should be a validation error")
	}
	if IsValidationError(errors.New("disk full")) {
		t.Error("unrelated error should not be a validation error")
	}
	if IsValidationError(nil) {
		t.Error("nil should not be a validation error")
	}
}

func TestDangerZoneValidate(t *testing.T) {
	z := DangerZone{ID: "z1", Latitude: 12.9352, Longitude: 77.6245, Radius: 200, RiskLevel: RiskHigh}
	if err := z.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	z.Radius = 0
	if err := z.Validate(); !errors.Is(err, ErrInvalidZoneRadius) {
		t.Errorf("expected radius error, got %v", err)
	}
	z.Radius = 200
	z.RiskLevel = "catastrophic"
	if err := z.Validate(); !errors.Is(err, ErrInvalidRiskLevel) {
		t.Errorf("expected risk level error, got %v", err)
	}
	z.RiskLevel = RiskHigh
	z.Latitude = 91
	if err := z.Validate(); !errors.Is(err, ErrInvalidCoordinates) {
		t.Errorf("expected coordinate error, got %v", err)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("+919876543210"); got != "+********3210" {
		t.Errorf("MaskPhone = %q", got)
	}
	if got := MaskPhone("1234"); got != "1234" {
		t.Errorf("short numbers should be untouched, got %q", got)
	}
}

func TestLocationSampleIsStale(t *testing.T) {
	now := time.Now()
	s := LocationSample{Timestamp: now.Add(-4 * time.Minute)}
	if s.IsStale(now) {
		t.Error("4 minute old sample should be fresh")
	}
	s.Timestamp = now.Add(-6 * time.Minute)
	if !s.IsStale(now) {
		t.Error("6 minute old sample should be stale")
	}
}

func TestNewLocationErrorRetryable(t *testing.T) {
	cases := map[LocationErrorKind]bool{
		LocationPermissionDenied:    false,
		LocationNotSupported:        false,
		LocationPositionUnavailable: true,
		LocationTimeout:             true,
	}
	for kind, want := range cases {
		err := NewLocationError(kind, "", nil)
		if err.Retryable != want {
			t.Errorf("%s: retryable = %v, want %v", kind, err.Retryable, want)
		}
		if err.Hint == "" {
			t.Errorf("%s: missing hint", kind)
		}
	}
}

func TestPriorityJSON(t *testing.T) {
	msg := AlertMessage{ID: "m1", Text: "hello", Priority: PriorityEmergency}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded AlertMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Priority != PriorityEmergency {
		t.Errorf("priority = %v", decoded.Priority)
	}
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("expected invalid priority, got %v", err)
	}
}

func TestEventPayloadFieldNames(t *testing.T) {
	ev := NewLocationErrorEvent(NewLocationError(LocationTimeout, "timed out", nil), time.Unix(0, 0))
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != "locationError" {
		t.Errorf("type = %v", raw["type"])
	}
	payload := raw["payload"].(map[string]interface{})
	for _, key := range []string{"message", "retryable", "kind"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("payload missing %q", key)
		}
	}
}
