package engine

import (
	"time"

	"github.com/BTreeMap/GuardianPipe/internal/announce"
	"github.com/BTreeMap/GuardianPipe/internal/events"
	"github.com/BTreeMap/GuardianPipe/internal/location"
	"github.com/BTreeMap/GuardianPipe/internal/messaging"
	"github.com/BTreeMap/GuardianPipe/internal/metrics"
	"github.com/BTreeMap/GuardianPipe/internal/store"
)

// Opts holds the collaborators and settings of an Engine.
type Opts struct {
	Provider        location.Provider
	Resolver        location.AddressResolver
	Sink            announce.Sink
	Primary         messaging.Channel
	Fallback        messaging.Channel
	Store           store.Store
	Metrics         *metrics.Metrics
	Publishers      []events.Emitter
	UserName        string
	CheckInSchedule string
	CircleInterval  time.Duration
	TrackerOptions  []location.Option
	QueueOptions    []announce.Option
}

// Option configures an Engine.
type Option func(*Opts)

// WithProvider sets the device location provider.
func WithProvider(p location.Provider) Option {
	return func(o *Opts) { o.Provider = p }
}

// WithResolver sets the reverse geocoder used for alert addresses.
func WithResolver(r location.AddressResolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// WithSink sets where announcements are rendered.
func WithSink(s announce.Sink) Option {
	return func(o *Opts) { o.Sink = s }
}

// WithPrimaryChannel sets the network delivery channel.
func WithPrimaryChannel(c messaging.Channel) Option {
	return func(o *Opts) { o.Primary = c }
}

// WithFallbackChannel sets the degraded delivery channel.
func WithFallbackChannel(c messaging.Channel) Option {
	return func(o *Opts) { o.Fallback = c }
}

// WithStore sets the persistent store.
func WithStore(s store.Store) Option {
	return func(o *Opts) { o.Store = s }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithPublisher adds an external event subscriber.
func WithPublisher(e events.Emitter) Option {
	return func(o *Opts) { o.Publishers = append(o.Publishers, e) }
}

// WithUserName sets the default name alerts are sent on behalf of.
func WithUserName(name string) Option {
	return func(o *Opts) { o.UserName = name }
}

// WithCheckInSchedule enables scheduled check-ins using a cron expression.
func WithCheckInSchedule(expr string) Option {
	return func(o *Opts) { o.CheckInSchedule = expr }
}

// WithCircleInterval overrides the emergency circle update interval.
func WithCircleInterval(d time.Duration) Option {
	return func(o *Opts) { o.CircleInterval = d }
}

// WithTrackerOptions passes options through to the location tracker.
func WithTrackerOptions(opts ...location.Option) Option {
	return func(o *Opts) { o.TrackerOptions = append(o.TrackerOptions, opts...) }
}

// WithQueueOptions passes options through to the announcement queue.
func WithQueueOptions(opts ...announce.Option) Option {
	return func(o *Opts) { o.QueueOptions = append(o.QueueOptions, opts...) }
}
