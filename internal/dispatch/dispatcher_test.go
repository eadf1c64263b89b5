package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/GuardianPipe/internal/events"
	"github.com/BTreeMap/GuardianPipe/internal/messaging"
	"github.com/BTreeMap/GuardianPipe/internal/models"
	"github.com/BTreeMap/GuardianPipe/internal/store"
)

type mockChannel struct {
	name      string
	mu        sync.Mutex
	calls     []models.SOSAlert
	deliverFn func(ctx context.Context, alert models.SOSAlert) (messaging.Result, error)
}

func (m *mockChannel) Name() string { return m.name }

func (m *mockChannel) Deliver(ctx context.Context, alert models.SOSAlert) (messaging.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, alert)
	m.mu.Unlock()
	if m.deliverFn != nil {
		return m.deliverFn(ctx, alert)
	}
	return messaging.Result{Channel: m.name, Sent: len(alert.Contacts), Delivered: true}, nil
}

func (m *mockChannel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockLocation struct {
	calls     int
	acquireFn func(ctx context.Context) (models.LocationSample, error)
}

func (m *mockLocation) Acquire(ctx context.Context) (models.LocationSample, error) {
	m.calls++
	if m.acquireFn != nil {
		return m.acquireFn(ctx)
	}
	return models.LocationSample{Latitude: 12.9716, Longitude: 77.5946, Timestamp: time.Now()}, nil
}

func testContacts() []models.EmergencyContact {
	return []models.EmergencyContact{
		{ID: "c1", Name: "Asha", Phone: "+919876543210", IsPrimary: true, CanReceiveAlerts: true},
		{ID: "c2", Name: "Ravi", Phone: "+919876543211", IsPrimary: false, CanReceiveAlerts: true},
		{ID: "c3", Name: "Meena", Phone: "+919876543212", IsPrimary: false, CanReceiveAlerts: false},
	}
}

func freshLocation() *models.LocationSample {
	return &models.LocationSample{Latitude: 12.9352, Longitude: 77.6245, Timestamp: time.Now(), Address: "Koramangala, Bengaluru"}
}

func TestSend_PrimarySuccess(t *testing.T) {
	primary := &mockChannel{name: messaging.ChannelHTTP}
	fallback := &mockChannel{name: messaging.ChannelNotification}
	d := New(primary, fallback, &mockLocation{}, WithUserName("Priya"))

	alert, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeSOS, Location: freshLocation(), Contacts: testContacts()})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if alert.Status != models.AlertStatusDelivered || alert.UsingFallback {
		t.Errorf("expected delivered without fallback, got %s fallback=%v", alert.Status, alert.UsingFallback)
	}
	if alert.Channel != messaging.ChannelHTTP {
		t.Errorf("expected channel %s, got %s", messaging.ChannelHTTP, alert.Channel)
	}
	if len(alert.Contacts) != 2 {
		t.Errorf("sos should go to the 2 alert-enabled contacts, got %d", len(alert.Contacts))
	}
	if !strings.Contains(alert.Message, "Priya") || !strings.Contains(alert.Message, "Koramangala, Bengaluru") {
		t.Errorf("message not parameterized: %q", alert.Message)
	}
	if !strings.Contains(alert.Message, "https://maps.google.com/maps?q=12.9352,77.6245") {
		t.Errorf("message missing map link: %q", alert.Message)
	}
	if fallback.callCount() != 0 {
		t.Error("fallback must not be used when primary succeeds")
	}
	if alert.ID == "" {
		t.Error("expected alert ID")
	}
}

func TestSend_PartialDeliveryIsSent(t *testing.T) {
	primary := &mockChannel{name: messaging.ChannelTwilio, deliverFn: func(ctx context.Context, a models.SOSAlert) (messaging.Result, error) {
		return messaging.Result{Sent: 1, Failed: 1}, nil
	}}
	d := New(primary, &mockChannel{name: messaging.ChannelNotification}, &mockLocation{})
	alert, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeSOS, Location: freshLocation(), Contacts: testContacts()})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if alert.Status != models.AlertStatusSent {
		t.Errorf("expected sent, got %s", alert.Status)
	}
}

func TestSend_FallbackOnPrimaryFailure(t *testing.T) {
	primary := &mockChannel{name: messaging.ChannelHTTP, deliverFn: func(ctx context.Context, a models.SOSAlert) (messaging.Result, error) {
		return messaging.Result{}, errors.New("503 service unavailable")
	}}
	fallback := &mockChannel{name: messaging.ChannelNotification}
	bus := events.NewBus()
	sub, cancel := bus.Subscribe()
	defer cancel()
	d := New(primary, fallback, &mockLocation{}, WithEvents(bus))

	alert, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeSOS, Location: freshLocation(), Contacts: testContacts()})
	if err != nil {
		t.Fatalf("fallback delivery should succeed, got %v", err)
	}
	if alert.Status != models.AlertStatusSent || !alert.UsingFallback {
		t.Errorf("expected sent with fallback, got %s fallback=%v", alert.Status, alert.UsingFallback)
	}
	if alert.Channel != messaging.ChannelNotification {
		t.Errorf("expected fallback channel, got %s", alert.Channel)
	}
	if fallback.callCount() != 1 {
		t.Errorf("expected 1 fallback call, got %d", fallback.callCount())
	}

	select {
	case ev := <-sub:
		if ev.Type != models.EventSOSDispatched {
			t.Errorf("expected sosDispatched, got %s", ev.Type)
		}
		payload := ev.Payload.(models.SOSDispatchedPayload)
		if !payload.Alert.UsingFallback {
			t.Error("event payload should carry usingFallback")
		}
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func TestSend_PrimaryTimeoutUsesFallback(t *testing.T) {
	primary := &mockChannel{name: messaging.ChannelHTTP, deliverFn: func(ctx context.Context, a models.SOSAlert) (messaging.Result, error) {
		<-ctx.Done()
		return messaging.Result{}, ctx.Err()
	}}
	fallback := &mockChannel{name: messaging.ChannelNotification}
	d := New(primary, fallback, &mockLocation{}, WithPrimaryTimeout(20*time.Millisecond))

	start := time.Now()
	alert, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeSOS, Location: freshLocation(), Contacts: testContacts()})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !alert.UsingFallback {
		t.Error("expected fallback after primary timeout")
	}
	if time.Since(start) > time.Second {
		t.Error("primary timeout was not enforced")
	}
}

func TestSend_BothChannelsFail(t *testing.T) {
	fail := func(ctx context.Context, a models.SOSAlert) (messaging.Result, error) {
		return messaging.Result{}, errors.New("down")
	}
	d := New(&mockChannel{name: "p", deliverFn: fail}, &mockChannel{name: "f", deliverFn: fail}, &mockLocation{})

	alert, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeSOS, Location: freshLocation(), Contacts: testContacts()})
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if alert.Status != models.AlertStatusFailed || alert.Error == "" {
		t.Errorf("expected failed alert with error, got %+v", alert)
	}
	if d.History().Len() != 1 {
		t.Error("failed alert should be recorded")
	}
}

func TestSend_NilPrimaryGoesStraightToFallback(t *testing.T) {
	fallback := &mockChannel{name: messaging.ChannelNotification}
	d := New(nil, fallback, &mockLocation{})
	alert, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeSOS, Location: freshLocation(), Contacts: testContacts()})
	if err != nil || !alert.UsingFallback {
		t.Fatalf("expected fallback delivery, got %+v, %v", alert, err)
	}
}

func TestSend_NoRecipients(t *testing.T) {
	primary := &mockChannel{name: "p"}
	d := New(primary, &mockChannel{name: "f"}, &mockLocation{})
	contacts := []models.EmergencyContact{{ID: "c1", Name: "A", Phone: "+15551234567", CanReceiveAlerts: true}}

	alert, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeDangerZone, Location: freshLocation(), Contacts: contacts})
	if !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
	if alert.Status != models.AlertStatusFailed {
		t.Errorf("expected failed, got %s", alert.Status)
	}
	if primary.callCount() != 0 {
		t.Error("no channel should be called without recipients")
	}
	if d.History().Len() != 1 {
		t.Error("alert should be recorded")
	}
}

func TestSend_StaleLocationTriggersAcquire(t *testing.T) {
	loc := &mockLocation{}
	d := New(&mockChannel{name: "p"}, nil, loc)
	stale := &models.LocationSample{Latitude: 1, Longitude: 1, Timestamp: time.Now().Add(-10 * time.Minute)}

	alert, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeSOS, Location: stale, Contacts: testContacts()})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if loc.calls != 1 {
		t.Errorf("expected 1 acquire, got %d", loc.calls)
	}
	if alert.Location.Latitude != 12.9716 {
		t.Errorf("expected acquired location, got %+v", alert.Location)
	}
}

func TestSend_LocationUnavailable(t *testing.T) {
	primary := &mockChannel{name: "p"}
	fallback := &mockChannel{name: "f"}
	loc := &mockLocation{acquireFn: func(ctx context.Context) (models.LocationSample, error) {
		return models.LocationSample{}, models.NewLocationError(models.LocationPermissionDenied, "denied", nil)
	}}
	d := New(primary, fallback, loc)

	_, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeSOS, Contacts: testContacts()})
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}
	var le *models.LocationError
	if !errors.As(err, &le) || le.Kind != models.LocationPermissionDenied {
		t.Errorf("expected wrapped LocationError, got %v", err)
	}
	if primary.callCount()+fallback.callCount() != 0 {
		t.Error("no delivery may be attempted without a location")
	}
	if d.History().Len() != 0 {
		t.Error("nothing should be recorded")
	}
}

func TestSend_InvalidType(t *testing.T) {
	d := New(&mockChannel{name: "p"}, nil, &mockLocation{})
	if _, err := d.Send(context.Background(), SendRequest{Type: "weekly", Location: freshLocation()}); !errors.Is(err, models.ErrInvalidAlertType) {
		t.Fatalf("expected ErrInvalidAlertType, got %v", err)
	}
}

func TestAudience(t *testing.T) {
	contacts := testContacts()
	tests := []struct {
		alertType models.AlertType
		initial   bool
		want      []string
	}{
		{models.AlertTypeSOS, false, []string{"c1", "c2"}},
		{models.AlertTypeSafeArrival, false, []string{"c1", "c2"}},
		{models.AlertTypeEmergencyCircleUpdate, true, []string{"c1", "c2"}},
		{models.AlertTypeEmergencyCircleUpdate, false, []string{"c1"}},
		{models.AlertTypeDangerZone, false, []string{"c1"}},
		{models.AlertTypeCheckIn, false, []string{"c1"}},
	}
	for _, tt := range tests {
		got := Audience(tt.alertType, tt.initial, contacts)
		if len(got) != len(tt.want) {
			t.Errorf("%s initial=%v: got %d recipients, want %d", tt.alertType, tt.initial, len(got), len(tt.want))
			continue
		}
		for i, c := range got {
			if c.ID != tt.want[i] {
				t.Errorf("%s initial=%v: recipient %d = %s, want %s", tt.alertType, tt.initial, i, c.ID, tt.want[i])
			}
		}
	}
}

func TestHistory_BoundedAndPersisted(t *testing.T) {
	ctx := context.Background()
	docs := store.NewDocuments(store.NewInMemoryStore())
	h := NewHistory(3, docs)
	for _, id := range []string{"a", "b", "c", "d"} {
		h.Record(ctx, models.SOSAlert{ID: id, Type: models.AlertTypeSOS})
	}
	list := h.List()
	if len(list) != 3 || list[0].ID != "b" || list[2].ID != "d" {
		t.Fatalf("unexpected history %+v", list)
	}

	restored := NewHistory(3, docs)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	got := restored.List()
	if len(got) != 3 || got[0].ID != "b" {
		t.Errorf("unexpected restored history %+v", got)
	}
}

func TestRender_DangerZone(t *testing.T) {
	zone := models.DangerZone{ID: "zone_1", Name: "MG Road", RiskLevel: models.RiskHigh, ReportCount: 15}
	loc := models.LocationSample{Latitude: 12.9716, Longitude: 77.5946}
	at := time.Date(2024, 3, 1, 21, 30, 0, 0, time.UTC)
	msg := Render(models.AlertTypeDangerZone, false, "", loc, at, ZoneVars(zone))

	for _, want := range []string{DefaultUserName, "MG Road", "HIGH", "15", "12.971600, 77.594600", "01 Mar 2024 21:30 UTC"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "{") {
		t.Errorf("unreplaced placeholder in %q", msg)
	}
}

func TestRender_CircleInitialVsUpdate(t *testing.T) {
	loc := models.LocationSample{Latitude: 1, Longitude: 2}
	initial := Render(models.AlertTypeEmergencyCircleUpdate, true, "Priya", loc, time.Now(), nil)
	update := Render(models.AlertTypeEmergencyCircleUpdate, false, "Priya", loc, time.Now(), nil)
	if !strings.Contains(initial, "ACTIVATED") {
		t.Errorf("initial broadcast should announce activation: %q", initial)
	}
	if strings.Contains(update, "ACTIVATED") {
		t.Errorf("periodic update should not announce activation: %q", update)
	}
}

func TestSend_StaleAcquiredLocationNotSent(t *testing.T) {
	primary := &mockChannel{name: "p"}
	loc := &mockLocation{acquireFn: func(ctx context.Context) (models.LocationSample, error) {
		return models.LocationSample{Latitude: 12.97, Longitude: 77.59, Timestamp: time.Now().Add(-20 * time.Minute)}, nil
	}}
	d := New(primary, nil, loc)

	_, err := d.Send(context.Background(), SendRequest{Type: models.AlertTypeSOS, Contacts: testContacts()})
	if !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("expected ErrLocationUnavailable, got %v", err)
	}
	if primary.callCount() != 0 {
		t.Error("an alert must not be sent with a stale location")
	}
	if d.History().Len() != 0 {
		t.Error("nothing should be recorded")
	}
}

func TestRender_CircleInitialShowsInterval(t *testing.T) {
	loc := models.LocationSample{Latitude: 1, Longitude: 2}
	def := Render(models.AlertTypeEmergencyCircleUpdate, true, "Priya", loc, time.Now(), nil)
	if !strings.Contains(def, "Updates every 5 minutes") {
		t.Errorf("expected default interval, got %q", def)
	}
	custom := Render(models.AlertTypeEmergencyCircleUpdate, true, "Priya", loc, time.Now(),
		map[string]string{VarUpdateInterval: FormatInterval(90 * time.Second)})
	if !strings.Contains(custom, "Updates every 90 seconds") {
		t.Errorf("expected configured interval, got %q", custom)
	}
}

func TestFormatInterval(t *testing.T) {
	tests := map[time.Duration]string{
		5 * time.Minute:  "5 minutes",
		time.Minute:      "1 minute",
		90 * time.Second: "90 seconds",
		time.Second:      "1 second",
	}
	for in, want := range tests {
		if got := FormatInterval(in); got != want {
			t.Errorf("FormatInterval(%v) = %q, want %q", in, got, want)
		}
	}
}
