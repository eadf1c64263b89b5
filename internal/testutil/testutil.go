// Package testutil provides common test utilities and helpers for GuardianPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/BTreeMap/GuardianPipe/internal/models"
	"github.com/BTreeMap/GuardianPipe/internal/store"
)

// TB is the subset of testing.TB the helpers rely on.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Contacts returns a contact set covering every audience combination.
func Contacts() []models.EmergencyContact {
	return []models.EmergencyContact{
		{ID: "c1", Name: "Asha", Phone: "+919800000001", Relation: "sister", IsPrimary: true, CanReceiveAlerts: true},
		{ID: "c2", Name: "Ravi", Phone: "+919800000002", Relation: "friend", IsPrimary: false, CanReceiveAlerts: true},
		{ID: "c3", Name: "Meena", Phone: "+919800000003", Relation: "mother", IsPrimary: true, CanReceiveAlerts: false},
	}
}

// Zones returns a single high-risk zone around Koramangala.
func Zones() []models.DangerZone {
	return []models.DangerZone{
		{ID: "z1", Name: "Test Zone", Latitude: 12.9352, Longitude: 77.6245, Radius: 200, RiskLevel: models.RiskHigh, ReportCount: 3},
	}
}

// SeedTestData stores the default contacts and zones.
func SeedTestData(t TB, st store.Store) {
	t.Helper()
	docs := store.NewDocuments(st)
	ctx := context.Background()
	if err := docs.SaveContacts(ctx, Contacts()); err != nil {
		t.Fatalf("failed to seed contacts: %v", err)
	}
	if err := docs.SaveZones(ctx, Zones()); err != nil {
		t.Fatalf("failed to seed zones: %v", err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	reqBody := bytes.NewBuffer(nil)
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
			return nil
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// DecodeResult decodes the result field of an API envelope into target.
func DecodeResult(t TB, rr *httptest.ResponseRecorder, target interface{}) models.APIResponse {
	t.Helper()
	var envelope struct {
		models.APIResponse
		Result json.RawMessage `json:"result,omitempty"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return models.APIResponse{}
	}
	if target != nil && len(envelope.Result) > 0 {
		MustUnmarshalJSON(t, envelope.Result, target)
	}
	return envelope.APIResponse
}

// AssertContactIDs checks that contacts carry exactly the expected ids, in order.
func AssertContactIDs(t TB, contacts []models.EmergencyContact, expected []string, context string) {
	t.Helper()
	if len(contacts) != len(expected) {
		t.Errorf("%s: expected %d contacts, got %d", context, len(expected), len(contacts))
		return
	}
	for i, c := range contacts {
		if c.ID != expected[i] {
			t.Errorf("%s: contact %d: expected id %q, got %q", context, i, expected[i], c.ID)
		}
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
