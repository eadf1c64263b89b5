// Package circle manages the emergency circle: a live location sharing
// session that periodically updates trusted contacts until deactivated.
package circle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/GuardianPipe/internal/dispatch"
	"github.com/BTreeMap/GuardianPipe/internal/events"
	"github.com/BTreeMap/GuardianPipe/internal/metrics"
	"github.com/BTreeMap/GuardianPipe/internal/models"
	"github.com/BTreeMap/GuardianPipe/internal/store"
)

const (
	// DefaultUpdateInterval is the period between circle location updates.
	DefaultUpdateInterval = 5 * time.Minute
	// DefaultSendTimeout bounds the location fix and delivery of one update.
	DefaultSendTimeout = 30 * time.Second
)

// Sender dispatches alerts.
type Sender interface {
	Send(ctx context.Context, req dispatch.SendRequest) (models.SOSAlert, error)
}

// LocationSource supplies the latest fix for each update.
type LocationSource interface {
	Acquire(ctx context.Context) (models.LocationSample, error)
}

// Opts holds configuration for Manager.
type Opts struct {
	Interval    time.Duration
	SendTimeout time.Duration
	Documents   *store.Documents
	Metrics     *metrics.Metrics
	Events      events.Emitter
}

// Option configures a Manager.
type Option func(*Opts)

// WithInterval overrides the update interval.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) { o.Interval = d }
}

// WithSendTimeout overrides the per-update timeout.
func WithSendTimeout(d time.Duration) Option {
	return func(o *Opts) { o.SendTimeout = d }
}

// WithDocuments persists the session on every transition.
func WithDocuments(d *store.Documents) Option {
	return func(o *Opts) { o.Documents = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithEvents sets the event emitter.
func WithEvents(e events.Emitter) Option {
	return func(o *Opts) { o.Events = e }
}

// Manager owns the circle session and its update timer.
type Manager struct {
	sender   Sender
	location LocationSource
	cfg      Opts

	mu      sync.Mutex
	session models.CircleSession
	cancel  context.CancelFunc
	done    chan struct{}

	now func() time.Time
}

// NewManager creates an idle Manager.
func NewManager(sender Sender, location LocationSource, opts ...Option) *Manager {
	cfg := Opts{Interval: DefaultUpdateInterval, SendTimeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	return &Manager{sender: sender, location: location, cfg: cfg, now: time.Now}
}

// Activate starts a session and sends the initial broadcast. It reports false
// without side effects when a session is already active. A failed broadcast
// is returned as an error but leaves the session active.
func (m *Manager) Activate(ctx context.Context, contacts []models.EmergencyContact) (bool, error) {
	m.mu.Lock()
	if m.session.Active {
		m.mu.Unlock()
		slog.Debug("Manager.Activate: circle already active")
		return false, nil
	}
	now := m.now()
	m.session = models.CircleSession{
		Active:    true,
		StartedAt: now,
		Interval:  m.cfg.Interval,
		Contacts:  append([]models.EmergencyContact(nil), contacts...),
	}
	m.startLocked()
	snapshot := m.snapshotLocked()
	m.persist(ctx, snapshot)
	m.mu.Unlock()

	slog.Info("Manager.Activate: emergency circle activated", "contacts", len(contacts), "interval", m.cfg.Interval)
	m.cfg.Metrics.SetCircleActive(true)
	m.cfg.Events.Emit(models.NewCircleStatusEvent(true, now))

	loc, err := m.location.Acquire(ctx)
	if err != nil {
		slog.Error("Manager.Activate: initial broadcast skipped, no location", "error", err)
		return true, fmt.Errorf("initial circle broadcast: %w: %w", dispatch.ErrLocationUnavailable, err)
	}
	if _, err := m.sender.Send(ctx, dispatch.SendRequest{
		Type:     models.AlertTypeEmergencyCircleUpdate,
		Location: &loc,
		Contacts: snapshot.Contacts,
		Initial:  true,
		Vars:     map[string]string{dispatch.VarUpdateInterval: dispatch.FormatInterval(snapshot.Interval)},
	}); err != nil {
		slog.Error("Manager.Activate: initial broadcast failed", "error", err)
		return true, fmt.Errorf("initial circle broadcast: %w", err)
	}
	return true, nil
}

// Resume restarts the update timer for a session saved before a restart.
// No initial broadcast is sent. It reports false if a session is already
// running or the saved session is inactive.
func (m *Manager) Resume(ctx context.Context, session models.CircleSession) bool {
	if !session.Active {
		return false
	}
	m.mu.Lock()
	if m.session.Active {
		m.mu.Unlock()
		return false
	}
	session.Interval = m.cfg.Interval
	session.Contacts = append([]models.EmergencyContact(nil), session.Contacts...)
	m.session = session
	m.startLocked()
	m.mu.Unlock()

	slog.Info("Manager.Resume: emergency circle resumed", "startedAt", session.StartedAt, "contacts", len(session.Contacts))
	m.cfg.Metrics.SetCircleActive(true)
	m.cfg.Events.Emit(models.NewCircleStatusEvent(true, m.now()))
	return true
}

// Deactivate stops the session, waits for an in-flight update and sends one
// safe-arrival message. It reports false without side effects when idle.
func (m *Manager) Deactivate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.session.Active {
		m.mu.Unlock()
		slog.Debug("Manager.Deactivate: circle not active")
		return false, nil
	}
	done := m.stopLocked()
	m.session.Active = false
	snapshot := m.snapshotLocked()
	m.persist(ctx, snapshot)
	m.mu.Unlock()

	if done != nil {
		<-done
	}

	slog.Info("Manager.Deactivate: emergency circle deactivated", "startedAt", snapshot.StartedAt)
	m.cfg.Metrics.SetCircleActive(false)
	m.cfg.Events.Emit(models.NewCircleStatusEvent(false, m.now()))

	if _, err := m.sender.Send(ctx, dispatch.SendRequest{
		Type:     models.AlertTypeSafeArrival,
		Contacts: snapshot.Contacts,
	}); err != nil {
		slog.Error("Manager.Deactivate: safe arrival message failed", "error", err)
		return true, fmt.Errorf("safe arrival message: %w", err)
	}
	return true, nil
}

// Shutdown stops the update timer without notifying contacts. The session is
// marked inactive in memory only; the persisted copy stays active so it is
// resumed on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	done := m.stopLocked()
	wasActive := m.session.Active
	m.session.Active = false
	m.mu.Unlock()
	if wasActive {
		m.cfg.Metrics.SetCircleActive(false)
	}
	if done != nil {
		<-done
	}
}

// Status returns a snapshot of the session.
func (m *Manager) Status() models.CircleSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	go m.run(ctx, m.cfg.Interval, done)
}

// stopLocked cancels the timer and returns a channel closed once the loop exits.
func (m *Manager) stopLocked() chan struct{} {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	done := m.done
	m.cancel = nil
	m.done = nil
	return done
}

func (m *Manager) snapshotLocked() models.CircleSession {
	s := m.session
	s.Contacts = append([]models.EmergencyContact(nil), m.session.Contacts...)
	return s
}

func (m *Manager) run(ctx context.Context, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SendTimeout)
	defer cancel()

	m.mu.Lock()
	if !m.session.Active {
		m.mu.Unlock()
		return
	}
	contacts := append([]models.EmergencyContact(nil), m.session.Contacts...)
	m.mu.Unlock()

	loc, err := m.location.Acquire(ctx)
	if err != nil {
		slog.Warn("Manager.tick: circle update skipped, no location", "error", err)
		return
	}
	if _, err := m.sender.Send(ctx, dispatch.SendRequest{
		Type:     models.AlertTypeEmergencyCircleUpdate,
		Location: &loc,
		Contacts: contacts,
	}); err != nil {
		slog.Warn("Manager.tick: circle update failed", "error", err)
	}

	m.mu.Lock()
	if !m.session.Active {
		m.mu.Unlock()
		return
	}
	m.session.LastUpdate = m.now()
	m.persist(ctx, m.snapshotLocked())
	m.mu.Unlock()
}

// persist saves the session. Callers hold mu so saves land in transition order.
func (m *Manager) persist(ctx context.Context, session models.CircleSession) {
	if m.cfg.Documents == nil {
		return
	}
	if err := m.cfg.Documents.SaveCircleSession(ctx, session); err != nil {
		slog.Error("Manager.persist: failed to save circle session", "active", session.Active, "error", err)
	}
}
