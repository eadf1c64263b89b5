// Package dispatch formats alerts and delivers them to emergency contacts,
// falling back to a degraded channel when the network path fails.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/GuardianPipe/internal/events"
	"github.com/BTreeMap/GuardianPipe/internal/messaging"
	"github.com/BTreeMap/GuardianPipe/internal/metrics"
	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// DefaultPrimaryTimeout bounds a delivery attempt on the primary channel.
const DefaultPrimaryTimeout = 5 * time.Second

var (
	// ErrLocationUnavailable is returned when no usable location could be obtained.
	// No delivery is attempted in that case.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrNoRecipients is returned when the audience for an alert is empty.
	ErrNoRecipients = messaging.ErrNoRecipients
)

// DeliveryError reports that both the primary and the fallback channel failed.
type DeliveryError struct {
	Primary  error
	Fallback error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("alert delivery failed: primary: %v; fallback: %v", e.Primary, e.Fallback)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{e.Primary, e.Fallback}
}

// LocationSource supplies a fresh fix when the caller's location is missing or stale.
type LocationSource interface {
	Acquire(ctx context.Context) (models.LocationSample, error)
}

// SendRequest describes one alert to dispatch.
type SendRequest struct {
	Type     models.AlertType
	Location *models.LocationSample
	Contacts []models.EmergencyContact
	Vars     map[string]string
	// Initial marks the first broadcast of an emergency circle session.
	Initial bool
}

// Opts holds configuration for Dispatcher.
type Opts struct {
	PrimaryTimeout time.Duration
	UserName       string
	History        *History
	Metrics        *metrics.Metrics
	Events         events.Emitter
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithPrimaryTimeout overrides the primary channel timeout.
func WithPrimaryTimeout(d time.Duration) Option {
	return func(o *Opts) { o.PrimaryTimeout = d }
}

// WithUserName sets the name alerts are sent on behalf of.
func WithUserName(name string) Option {
	return func(o *Opts) { o.UserName = name }
}

// WithHistory sets the alert history.
func WithHistory(h *History) Option {
	return func(o *Opts) { o.History = h }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithEvents sets the event emitter.
func WithEvents(e events.Emitter) Option {
	return func(o *Opts) { o.Events = e }
}

// Dispatcher sends alerts through a primary channel with a degraded fallback.
type Dispatcher struct {
	primary  messaging.Channel
	fallback messaging.Channel
	location LocationSource
	timeout  time.Duration
	history  *History
	metrics  *metrics.Metrics
	events   events.Emitter

	mu       sync.RWMutex
	userName string

	now func() time.Time
}

// New creates a Dispatcher. primary may be nil, in which case every alert uses the fallback.
func New(primary, fallback messaging.Channel, location LocationSource, opts ...Option) *Dispatcher {
	cfg := Opts{PrimaryTimeout: DefaultPrimaryTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.History == nil {
		cfg.History = NewHistory(DefaultHistorySize, nil)
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	return &Dispatcher{
		primary:  primary,
		fallback: fallback,
		location: location,
		timeout:  cfg.PrimaryTimeout,
		history:  cfg.History,
		metrics:  cfg.Metrics,
		events:   cfg.Events,
		userName: cfg.UserName,
		now:      time.Now,
	}
}

// SetUserName changes the name alerts are sent on behalf of.
func (d *Dispatcher) SetUserName(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.userName = name
}

// History returns the alert history.
func (d *Dispatcher) History() *History {
	return d.history
}

// Audience selects the contacts an alert of the given type goes to.
func Audience(alertType models.AlertType, initial bool, contacts []models.EmergencyContact) []models.EmergencyContact {
	primaryOnly := false
	switch alertType {
	case models.AlertTypeDangerZone, models.AlertTypeCheckIn:
		primaryOnly = true
	case models.AlertTypeEmergencyCircleUpdate:
		primaryOnly = !initial
	}
	out := make([]models.EmergencyContact, 0, len(contacts))
	for _, c := range contacts {
		if (primaryOnly && c.IsPrimary) || (!primaryOnly && c.CanReceiveAlerts) {
			out = append(out, c)
		}
	}
	return out
}

// Send builds the alert and delivers it. The returned alert is also recorded
// in the history, including failed ones.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (models.SOSAlert, error) {
	if !models.IsValidAlertType(req.Type) {
		return models.SOSAlert{}, models.ErrInvalidAlertType
	}

	loc, err := d.resolveLocation(ctx, req.Location)
	if err != nil {
		slog.Error("Dispatcher.Send: no usable location, not sending", "type", req.Type, "error", err)
		return models.SOSAlert{}, fmt.Errorf("%w: %w", ErrLocationUnavailable, err)
	}

	d.mu.RLock()
	userName := d.userName
	d.mu.RUnlock()

	now := d.now()
	recipients := Audience(req.Type, req.Initial, req.Contacts)
	alert := models.SOSAlert{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Location:  loc,
		Message:   Render(req.Type, req.Initial, userName, loc, now, req.Vars),
		Contacts:  recipients,
		Timestamp: now,
		Status:    models.AlertStatusPending,
	}

	var sendErr error
	if len(recipients) == 0 {
		slog.Warn("Dispatcher.Send: no eligible recipients", "type", req.Type, "contacts", len(req.Contacts))
		alert.Status = models.AlertStatusFailed
		alert.Error = ErrNoRecipients.Error()
		sendErr = ErrNoRecipients
	} else {
		sendErr = d.deliver(ctx, &alert)
	}

	d.history.Record(ctx, alert)
	d.metrics.AlertDispatched(string(alert.Type), string(alert.Status), alert.UsingFallback)
	d.events.Emit(models.NewSOSDispatchedEvent(alert, now))
	slog.Info("Dispatcher.Send: alert dispatched", "id", alert.ID, "type", alert.Type, "status", alert.Status,
		"channel", alert.Channel, "usingFallback", alert.UsingFallback, "recipients", len(recipients))
	return alert, sendErr
}

func (d *Dispatcher) resolveLocation(ctx context.Context, loc *models.LocationSample) (models.LocationSample, error) {
	if loc != nil && !loc.IsStale(d.now()) {
		return *loc, nil
	}
	if d.location == nil {
		return models.LocationSample{}, errors.New("no location source configured")
	}
	sample, err := d.location.Acquire(ctx)
	if err != nil {
		return models.LocationSample{}, err
	}
	if sample.IsStale(d.now()) {
		return models.LocationSample{}, fmt.Errorf("location sample from %s is stale", sample.Timestamp.Format(time.RFC3339))
	}
	return sample, nil
}

func (d *Dispatcher) deliver(ctx context.Context, alert *models.SOSAlert) error {
	var primaryErr error
	if d.primary != nil {
		res, err := d.attempt(ctx, d.primary, *alert, d.timeout)
		if err == nil {
			alert.Channel = d.primary.Name()
			alert.Status = models.AlertStatusSent
			if res.Delivered {
				alert.Status = models.AlertStatusDelivered
			}
			return nil
		}
		primaryErr = err
		slog.Warn("Dispatcher.deliver: primary channel failed, using fallback", "id", alert.ID, "channel", d.primary.Name(), "error", err)
	} else {
		primaryErr = errors.New("no primary channel configured")
	}

	if d.fallback == nil {
		alert.Status = models.AlertStatusFailed
		alert.Error = primaryErr.Error()
		return &DeliveryError{Primary: primaryErr, Fallback: errors.New("no fallback channel configured")}
	}
	if _, err := d.attempt(ctx, d.fallback, *alert, 0); err != nil {
		slog.Error("Dispatcher.deliver: fallback channel failed", "id", alert.ID, "channel", d.fallback.Name(), "error", err)
		derr := &DeliveryError{Primary: primaryErr, Fallback: err}
		alert.Status = models.AlertStatusFailed
		alert.Error = derr.Error()
		return derr
	}
	alert.Channel = d.fallback.Name()
	alert.Status = models.AlertStatusSent
	alert.UsingFallback = true
	return nil
}

func (d *Dispatcher) attempt(ctx context.Context, ch messaging.Channel, alert models.SOSAlert, timeout time.Duration) (messaging.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := ch.Deliver(ctx, alert)
	d.metrics.ChannelAttempt(ch.Name(), time.Since(start), err)
	return res, err
}
