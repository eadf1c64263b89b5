// Package engine wires the location tracker, geofence evaluator, announcement
// queue, dispatcher and emergency circle into one coordinated service.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/GuardianPipe/internal/announce"
	"github.com/BTreeMap/GuardianPipe/internal/circle"
	"github.com/BTreeMap/GuardianPipe/internal/dispatch"
	"github.com/BTreeMap/GuardianPipe/internal/events"
	"github.com/BTreeMap/GuardianPipe/internal/geofence"
	"github.com/BTreeMap/GuardianPipe/internal/location"
	"github.com/BTreeMap/GuardianPipe/internal/messaging"
	"github.com/BTreeMap/GuardianPipe/internal/metrics"
	"github.com/BTreeMap/GuardianPipe/internal/models"
	"github.com/BTreeMap/GuardianPipe/internal/recovery"
	"github.com/BTreeMap/GuardianPipe/internal/scheduler"
	"github.com/BTreeMap/GuardianPipe/internal/store"
)

const (
	// DefaultSampleBuffer is the capacity of the watch-to-evaluator hand-off.
	DefaultSampleBuffer = 16
	// DefaultDispatchTimeout bounds background danger-zone and check-in dispatches.
	DefaultDispatchTimeout = 30 * time.Second
)

// Announcement texts.
const (
	msgSOSActivated      = "S O S emergency alert activated. Sending location to your emergency contacts."
	msgSOSNoLocation     = "Unable to determine your location. Your alert was not sent. Please call emergency services directly."
	msgSOSFailed         = "Warning: Message delivery failed. Please call for help."
	msgSOSFallback       = "Network delivery failed. Please forward the alert shown on your screen to your contacts."
	msgSOSDelivered      = "Emergency message delivered to %d contacts."
	msgCircleActive      = "Emergency circle activated. Your contacts will receive your location every few minutes."
	msgCircleDeactivated = "Emergency circle deactivated. Your contacts have been told you are safe."
	msgZoneEntered       = "Warning! You are entering %s, a %s risk area. Please stay alert and consider an alternative route."
	msgZoneExited        = "You have left the risk area. You are now in a safer zone."
)

var (
	// ErrAlreadyStarted is returned by Start on a running engine.
	ErrAlreadyStarted = errors.New("engine already started")
	// ErrNotStarted is returned by operations that need a running engine.
	ErrNotStarted = errors.New("engine not started")
)

// SeedZones are installed when the store holds no danger zones.
func SeedZones() []models.DangerZone {
	return []models.DangerZone{
		{ID: "zone_1", Name: "MG Road Junction", Latitude: 12.9716, Longitude: 77.5946, Radius: 200, RiskLevel: models.RiskHigh, ReportCount: 15},
		{ID: "zone_2", Name: "CST Station Area", Latitude: 19.0760, Longitude: 72.8777, Radius: 150, RiskLevel: models.RiskModerate, ReportCount: 8},
	}
}

// Engine is the emergency alert coordination engine.
type Engine struct {
	opts Opts

	docs       *store.Documents
	tracker    *location.Tracker
	evaluator  *geofence.Evaluator
	queue      *announce.Queue
	history    *dispatch.History
	dispatcher *dispatch.Dispatcher
	circle     *circle.Manager
	recovery   *recovery.RecoveryManager
	bus        *events.Bus
	emitter    events.Emitter
	metrics    *metrics.Metrics

	samples chan models.LocationSample

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	sub       *location.Subscription
	scheduler *scheduler.Scheduler
	wg        sync.WaitGroup

	now func() time.Time
}

// New constructs an Engine. Missing collaborators get safe defaults: no
// location support, log announcements, log notifications and an in-memory store.
func New(opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Provider == nil {
		cfg.Provider = location.UnsupportedProvider{}
	}
	if cfg.Sink == nil {
		cfg.Sink = announce.LogSink{}
	}
	if cfg.Fallback == nil {
		cfg.Fallback = messaging.NewNotificationChannel(messaging.LogNotify)
	}
	if cfg.Store == nil {
		cfg.Store = store.NewInMemoryStore()
	}
	if cfg.CircleInterval <= 0 {
		cfg.CircleInterval = circle.DefaultUpdateInterval
	}

	e := &Engine{
		opts:    cfg,
		docs:    store.NewDocuments(cfg.Store),
		bus:     events.NewBus(),
		metrics: cfg.Metrics,
		samples: make(chan models.LocationSample, DefaultSampleBuffer),
		now:     time.Now,
	}
	emitters := events.Multi{e.bus}
	for _, p := range cfg.Publishers {
		emitters = append(emitters, p)
	}
	e.emitter = emitters

	trackerOpts := []location.Option{location.WithErrorHandler(e.onLocationError)}
	if cfg.Resolver != nil {
		trackerOpts = append(trackerOpts, location.WithResolver(cfg.Resolver))
	}
	e.tracker = location.NewTracker(cfg.Provider, append(trackerOpts, cfg.TrackerOptions...)...)
	e.evaluator = geofence.NewEvaluator(nil)
	e.queue = announce.NewQueue(cfg.Sink, append([]announce.Option{announce.WithMetrics(cfg.Metrics)}, cfg.QueueOptions...)...)
	e.history = dispatch.NewHistory(dispatch.DefaultHistorySize, e.docs)
	e.dispatcher = dispatch.New(cfg.Primary, cfg.Fallback, e.tracker,
		dispatch.WithHistory(e.history),
		dispatch.WithMetrics(cfg.Metrics),
		dispatch.WithEvents(e.emitter),
		dispatch.WithUserName(cfg.UserName),
	)
	e.circle = circle.NewManager(e.dispatcher, e.tracker,
		circle.WithInterval(cfg.CircleInterval),
		circle.WithDocuments(e.docs),
		circle.WithMetrics(cfg.Metrics),
		circle.WithEvents(e.emitter),
	)

	e.recovery = recovery.NewRecoveryManager(e.docs)
	e.recovery.RegisterSessionRecovery(recovery.SessionRecoveryHandler(e.circle))
	e.recovery.RegisterRecoverable(recovery.HistoryRecovery(e.history))
	e.recovery.RegisterRecoverable(recovery.CircleSessionRecovery{})
	return e
}

// Start loads persisted state, resumes an interrupted circle session and
// begins watching the device location.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	zones, ok, err := e.docs.Zones(ctx)
	if err != nil {
		return fmt.Errorf("load danger zones: %w", err)
	}
	if !ok {
		zones = SeedZones()
		if err := e.docs.SaveZones(ctx, zones); err != nil {
			return fmt.Errorf("seed danger zones: %w", err)
		}
		slog.Info("Engine.Start: seeded danger zones", "count", len(zones))
	}
	e.evaluator.SetZones(zones)
	e.bus.Open()

	profile, err := e.docs.Profile(ctx)
	if err != nil {
		return fmt.Errorf("load user profile: %w", err)
	}
	if profile.Name != "" {
		e.dispatcher.SetUserName(profile.Name)
	}

	if err := e.recovery.RecoverAll(ctx); err != nil {
		slog.Warn("Engine.Start: recovery incomplete", "error", err)
	}

	var sched *scheduler.Scheduler
	if e.opts.CheckInSchedule != "" {
		sched = scheduler.NewScheduler()
		if _, err := sched.AddJob(e.opts.CheckInSchedule, e.scheduledCheckIn); err != nil {
			sched.Stop()
			e.circle.Shutdown()
			return fmt.Errorf("invalid check-in schedule %q: %w", e.opts.CheckInSchedule, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.scheduler = sched
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.queue.Run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.evaluateLoop(runCtx)
	}()

	sub, err := e.tracker.Watch(e.onSample, e.onWatchError)
	if err != nil {
		slog.Warn("Engine.Start: location watch unavailable, zone alerts disabled", "error", err)
	} else {
		e.sub = sub
	}

	e.started = true
	slog.Info("Engine.Start: engine running", "zones", len(zones), "checkInSchedule", e.opts.CheckInSchedule)
	return nil
}

// Stop halts all background work. An active circle session stays persisted
// so it resumes on the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel, sub, sched := e.cancel, e.sub, e.scheduler
	e.cancel, e.sub, e.scheduler = nil, nil, nil
	e.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if sched != nil {
		sched.Stop()
	}
	cancel()
	e.wg.Wait()
	e.queue.Wait()
	e.circle.Shutdown()
	e.bus.Close()
	slog.Info("Engine.Stop: engine stopped")
}

// TriggerSOS announces, dispatches an SOS to every alert-enabled contact and,
// on success, starts the emergency circle.
func (e *Engine) TriggerSOS(ctx context.Context) (models.SOSAlert, error) {
	e.announce(msgSOSActivated, models.PriorityEmergency)

	contacts, err := e.docs.Contacts(ctx)
	if err != nil {
		e.announce(msgSOSFailed, models.PriorityEmergency)
		return models.SOSAlert{}, fmt.Errorf("load contacts: %w", err)
	}

	alert, err := e.dispatcher.Send(ctx, dispatch.SendRequest{
		Type:     models.AlertTypeSOS,
		Location: e.lastLocation(),
		Contacts: contacts,
	})
	switch {
	case errors.Is(err, dispatch.ErrLocationUnavailable):
		e.announce(msgSOSNoLocation, models.PriorityEmergency)
		return alert, err
	case err != nil:
		e.announce(msgSOSFailed, models.PriorityEmergency)
		return alert, err
	case alert.UsingFallback:
		e.announce(msgSOSFallback, models.PriorityEmergency)
	default:
		e.announce(fmt.Sprintf(msgSOSDelivered, len(alert.Contacts)), models.PriorityEmergency)
	}

	activated, err := e.circle.Activate(ctx, contacts)
	if err != nil {
		slog.Warn("Engine.TriggerSOS: emergency circle broadcast failed", "error", err)
	}
	if activated {
		e.announce(msgCircleActive, models.PriorityEmergency)
	}
	return alert, nil
}

// ActivateCircle starts the emergency circle with the stored contacts.
func (e *Engine) ActivateCircle(ctx context.Context) (bool, error) {
	contacts, err := e.docs.Contacts(ctx)
	if err != nil {
		return false, fmt.Errorf("load contacts: %w", err)
	}
	activated, err := e.circle.Activate(ctx, contacts)
	if activated {
		e.announce(msgCircleActive, models.PriorityEmergency)
	}
	return activated, err
}

// DeactivateCircle ends the emergency circle and sends the safe-arrival message.
func (e *Engine) DeactivateCircle(ctx context.Context) (bool, error) {
	deactivated, err := e.circle.Deactivate(ctx)
	if deactivated {
		e.announce(msgCircleDeactivated, models.PriorityHigh)
	}
	return deactivated, err
}

// CircleStatus returns the current circle session.
func (e *Engine) CircleStatus() models.CircleSession {
	return e.circle.Status()
}

// CheckIn sends a check-in to the primary contacts.
func (e *Engine) CheckIn(ctx context.Context) (models.SOSAlert, error) {
	contacts, err := e.docs.Contacts(ctx)
	if err != nil {
		return models.SOSAlert{}, fmt.Errorf("load contacts: %w", err)
	}
	return e.dispatcher.Send(ctx, dispatch.SendRequest{
		Type:     models.AlertTypeCheckIn,
		Location: e.lastLocation(),
		Contacts: contacts,
	})
}

// Alerts returns the alert history, oldest first.
func (e *Engine) Alerts() []models.SOSAlert {
	return e.history.List()
}

// Health reports circle, geofence, location and scheduler state.
func (e *Engine) Health() models.HealthStatus {
	e.mu.Lock()
	sched := e.scheduler
	e.mu.Unlock()

	h := models.HealthStatus{
		CircleActive:     e.circle.Status().Active,
		Zones:            len(e.evaluator.Zones()),
		InsideZones:      e.evaluator.Inside(),
		Alerts:           e.history.Len(),
		LocationFailures: e.tracker.ConsecutiveFailures(),
	}
	if sched != nil {
		h.ScheduledJobs = sched.Jobs()
	}
	return h
}

// Contacts returns the stored emergency contacts.
func (e *Engine) Contacts(ctx context.Context) ([]models.EmergencyContact, error) {
	return e.docs.Contacts(ctx)
}

// SetContacts validates and replaces the emergency contacts.
func (e *Engine) SetContacts(ctx context.Context, contacts []models.EmergencyContact) error {
	return e.docs.SaveContacts(ctx, contacts)
}

// Zones returns the danger zones being evaluated.
func (e *Engine) Zones() []models.DangerZone {
	return e.evaluator.Zones()
}

// SetZones validates, persists and applies a new danger zone set.
func (e *Engine) SetZones(ctx context.Context, zones []models.DangerZone) error {
	if err := e.docs.SaveZones(ctx, zones); err != nil {
		return err
	}
	e.evaluator.SetZones(zones)
	return nil
}

// Location returns a fresh or cached position fix.
func (e *Engine) Location(ctx context.Context) (models.LocationSample, error) {
	return e.tracker.Acquire(ctx)
}

// Subscribe returns a stream of engine events.
func (e *Engine) Subscribe() (<-chan models.Event, func()) {
	return e.bus.Subscribe()
}

// Announce places a message on the announcement queue.
func (e *Engine) Announce(text string, priority models.Priority) bool {
	return e.announce(text, priority)
}

func (e *Engine) announce(text string, priority models.Priority) bool {
	return e.queue.Enqueue(models.AlertMessage{
		ID:        uuid.NewString(),
		Text:      text,
		Priority:  priority,
		CreatedAt: e.now(),
	})
}

func (e *Engine) lastLocation() *models.LocationSample {
	if last, ok := e.tracker.Last(); ok {
		return &last
	}
	return nil
}

// onSample hands a watch update to the evaluator goroutine, dropping the
// oldest queued sample when the buffer is full.
func (e *Engine) onSample(sample models.LocationSample) {
	select {
	case e.samples <- sample:
		return
	default:
	}
	select {
	case <-e.samples:
		slog.Warn("Engine.onSample: evaluator lagging, dropped oldest sample")
	default:
	}
	select {
	case e.samples <- sample:
	default:
	}
}

func (e *Engine) evaluateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-e.samples:
			e.handleSample(sample)
		}
	}
}

func (e *Engine) handleSample(sample models.LocationSample) {
	for _, ev := range e.evaluator.Evaluate(sample) {
		e.metrics.ZoneTransition(string(ev.Kind))
		switch ev.Kind {
		case geofence.EventEnter:
			if !ev.Alert {
				continue
			}
			e.announce(fmt.Sprintf(msgZoneEntered, ev.Zone.Name, ev.Zone.RiskLevel), models.PriorityHigh)
			e.emitter.Emit(models.NewZoneEnteredEvent(ev.Zone, e.now()))
			e.dispatchDangerZone(ev.Zone, sample)
		case geofence.EventExit:
			e.announce(msgZoneExited, models.PriorityLow)
		}
	}
}

func (e *Engine) dispatchDangerZone(zone models.DangerZone, sample models.LocationSample) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultDispatchTimeout)
		defer cancel()

		contacts, err := e.docs.Contacts(ctx)
		if err != nil {
			slog.Error("Engine.dispatchDangerZone: failed to load contacts", "zone", zone.ID, "error", err)
			return
		}
		if _, err := e.dispatcher.Send(ctx, dispatch.SendRequest{
			Type:     models.AlertTypeDangerZone,
			Location: &sample,
			Contacts: contacts,
			Vars:     dispatch.ZoneVars(zone),
		}); err != nil {
			slog.Warn("Engine.dispatchDangerZone: danger zone alert not delivered", "zone", zone.ID, "error", err)
		}
	}()
}

func (e *Engine) scheduledCheckIn() {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultDispatchTimeout)
	defer cancel()
	if _, err := e.CheckIn(ctx); err != nil {
		slog.Warn("Engine.scheduledCheckIn: check-in not delivered", "error", err)
	}
}

func (e *Engine) onLocationError(err *models.LocationError) {
	e.metrics.LocationError(string(err.Kind))
	e.emitter.Emit(models.NewLocationErrorEvent(err, e.now()))
}

// onWatchError reports transient watch errors. Terminal ones already reach
// onLocationError through the tracker.
func (e *Engine) onWatchError(err *models.LocationError) {
	if err.Terminal() {
		return
	}
	e.onLocationError(err)
}
