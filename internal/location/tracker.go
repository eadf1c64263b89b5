package location

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/GuardianPipe/internal/geo"
	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// Tracker defaults.
const (
	DefaultFreshness      = models.LocationFreshness
	DefaultMaxRetries     = 3
	DefaultBackoffStep    = 2 * time.Second
	DefaultMinDistance    = 10.0
	DefaultMaxInterval    = 5 * time.Minute
	DefaultResolveTimeout = 5 * time.Second
)

// AddressResolver turns coordinates into a human-readable address.
type AddressResolver interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (string, error)
}

// Opts holds configuration for a Tracker.
type Opts struct {
	Freshness   time.Duration
	MaxRetries  int
	BackoffStep time.Duration
	MinDistance float64
	MaxInterval time.Duration
	Resolver    AddressResolver
	OnError     ErrorFunc
}

// Option defines a functional option for configuring a Tracker.
type Option func(*Opts)

// WithFreshness sets how long a cached sample is reused.
func WithFreshness(d time.Duration) Option {
	return func(o *Opts) { o.Freshness = d }
}

// WithRetryPolicy sets the retry budget and linear backoff step.
func WithRetryPolicy(maxRetries int, step time.Duration) Option {
	return func(o *Opts) {
		o.MaxRetries = maxRetries
		o.BackoffStep = step
	}
}

// WithSignificance sets the watch filter thresholds.
func WithSignificance(minDistance float64, maxInterval time.Duration) Option {
	return func(o *Opts) {
		o.MinDistance = minDistance
		o.MaxInterval = maxInterval
	}
}

// WithResolver attaches a reverse geocoder.
func WithResolver(r AddressResolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// WithErrorHandler registers the callback that surfaces errors to the user.
func WithErrorHandler(fn ErrorFunc) Option {
	return func(o *Opts) { o.OnError = fn }
}

// Tracker wraps a Provider with caching, retries and change filtering.
type Tracker struct {
	provider Provider
	opts     Opts

	mu       sync.Mutex
	cached   *models.LocationSample
	failures int
	terminal *models.LocationError

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTracker creates a Tracker around provider.
func NewTracker(provider Provider, opts ...Option) *Tracker {
	cfg := Opts{
		Freshness:   DefaultFreshness,
		MaxRetries:  DefaultMaxRetries,
		BackoffStep: DefaultBackoffStep,
		MinDistance: DefaultMinDistance,
		MaxInterval: DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Tracker{
		provider: provider,
		opts:     cfg,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire returns the current position, querying the provider only when the
// cached sample is no longer fresh.
func (t *Tracker) Acquire(ctx context.Context) (models.LocationSample, error) {
	t.mu.Lock()
	if t.terminal != nil {
		err := t.terminal
		t.mu.Unlock()
		return models.LocationSample{}, err
	}
	if t.cached != nil && t.now().Sub(t.cached.Timestamp) < t.opts.Freshness {
		sample := *t.cached
		t.mu.Unlock()
		slog.Debug("Tracker.Acquire: using cached sample", "age", t.now().Sub(sample.Timestamp))
		return sample, nil
	}
	t.mu.Unlock()

	for attempt := 0; ; attempt++ {
		sample, err := t.provider.RequestPosition(ctx, DefaultRequestOptions)
		if err == nil && sample.IsStale(t.now()) {
			age := t.now().Sub(sample.Timestamp).Round(time.Second)
			err = models.NewLocationError(models.LocationPositionUnavailable, fmt.Sprintf("position fix is %s old", age), nil)
		}
		if err == nil {
			sample = t.resolve(ctx, sample)
			t.remember(sample)
			slog.Debug("Tracker.Acquire: position acquired", "lat", sample.Latitude, "lon", sample.Longitude, "accuracy", sample.Accuracy)
			return sample, nil
		}
		if ctx.Err() != nil {
			return models.LocationSample{}, fmt.Errorf("acquire location: %w", ctx.Err())
		}

		locErr := classify(err)
		t.mu.Lock()
		t.failures++
		t.mu.Unlock()

		if locErr.Terminal() {
			t.markTerminal(locErr)
			return models.LocationSample{}, locErr
		}
		if attempt >= t.opts.MaxRetries {
			slog.Error("Tracker.Acquire: retry budget exhausted", "attempts", attempt+1, "kind", locErr.Kind, "error", locErr.Message)
			t.report(locErr)
			return models.LocationSample{}, locErr
		}

		delay := t.opts.BackoffStep * time.Duration(attempt+1)
		slog.Warn("Tracker.Acquire: retrying location request", "attempt", attempt+1, "delay", delay, "kind", locErr.Kind)
		if err := t.sleep(ctx, delay); err != nil {
			return models.LocationSample{}, fmt.Errorf("acquire location: %w", err)
		}
	}
}

// Last returns the most recent sample seen by the tracker, fresh or not.
func (t *Tracker) Last() (models.LocationSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cached == nil {
		return models.LocationSample{}, false
	}
	return *t.cached, true
}

// ConsecutiveFailures returns the number of provider failures since the last success.
func (t *Tracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}

// TerminalError returns the session-ending error, if any.
func (t *Tracker) TerminalError() *models.LocationError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}

// Watch subscribes to the provider's position stream. Only significant
// changes are forwarded to onUpdate.
func (t *Tracker) Watch(onUpdate FixFunc, onError ErrorFunc) (*Subscription, error) {
	if err := t.TerminalError(); err != nil {
		return nil, err
	}

	sub := &Subscription{tracker: t, onUpdate: onUpdate, onError: onError}
	id, err := t.provider.WatchPosition(sub.handleFix, sub.handleError, DefaultWatchOptions)
	if err != nil {
		locErr := classify(err)
		if locErr.Terminal() {
			t.markTerminal(locErr)
		} else {
			t.report(locErr)
		}
		return nil, locErr
	}

	sub.mu.Lock()
	sub.id = id
	sub.started = true
	cancelled := sub.cancelled
	sub.mu.Unlock()
	if cancelled {
		t.provider.Cancel(id)
	}

	slog.Info("Tracker.Watch: subscription started", "id", id)
	return sub, nil
}

// remember records sample as the last known position and clears the failure count.
func (t *Tracker) remember(sample models.LocationSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = 0
	if t.cached == nil || !sample.Timestamp.Before(t.cached.Timestamp) {
		s := sample
		t.cached = &s
	}
}

// markTerminal records err as session-ending and reports it the first time only.
func (t *Tracker) markTerminal(err *models.LocationError) {
	t.mu.Lock()
	first := t.terminal == nil
	if first {
		t.terminal = err
	}
	t.mu.Unlock()
	if first {
		slog.Error("Tracker: location access unavailable for this session", "kind", err.Kind, "error", err.Message)
		t.report(err)
	}
}

func (t *Tracker) report(err *models.LocationError) {
	if t.opts.OnError != nil {
		t.opts.OnError(err)
	}
}

func (t *Tracker) resolve(ctx context.Context, sample models.LocationSample) models.LocationSample {
	if t.opts.Resolver == nil || sample.Address != "" {
		return sample
	}
	rctx, cancel := context.WithTimeout(ctx, DefaultResolveTimeout)
	defer cancel()
	addr, err := t.opts.Resolver.ReverseGeocode(rctx, sample.Latitude, sample.Longitude)
	if err != nil {
		slog.Debug("Tracker.resolve: reverse geocoding failed", "error", err)
		return sample
	}
	return sample.WithAddress(addr)
}

func (t *Tracker) significant(prev, next models.LocationSample) bool {
	moved := geo.DistanceMeters(geo.Point{Lat: prev.Latitude, Lon: prev.Longitude}, geo.Point{Lat: next.Latitude, Lon: next.Longitude})
	return moved > t.opts.MinDistance || next.Timestamp.Sub(prev.Timestamp) > t.opts.MaxInterval
}

// Subscription is a cancellable watch handle.
type Subscription struct {
	tracker  *Tracker
	onUpdate FixFunc
	onError  ErrorFunc

	// deliver serializes callbacks; mu guards the fields below.
	deliver   sync.Mutex
	mu        sync.Mutex
	id        SubscriptionID
	started   bool
	cancelled bool
	last      *models.LocationSample
}

// Cancel stops further callbacks. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	id, started := s.id, s.started
	s.mu.Unlock()

	if started {
		s.tracker.provider.Cancel(id)
		slog.Info("Subscription.Cancel: watch cancelled", "id", id)
	}
}

func (s *Subscription) handleFix(sample models.LocationSample) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.tracker.remember(sample)
	if s.last != nil && !s.tracker.significant(*s.last, sample) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	sample = s.tracker.resolve(context.Background(), sample)

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.last = &sample
	s.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(sample)
	}
}

func (s *Subscription) handleError(err *models.LocationError) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err.Terminal() {
		s.Cancel()
		s.tracker.markTerminal(err)
		if s.onError != nil {
			s.onError(err)
		}
		return
	}

	slog.Warn("Subscription.handleError: transient watch error", "kind", err.Kind, "error", err.Message)
	if s.onError != nil {
		s.onError(err)
	}
}
