// Package metrics exposes Prometheus instrumentation for the alert engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardian"

// Announcement outcomes.
const (
	OutcomeRendered  = "rendered"
	OutcomeFailed    = "failed"
	OutcomePreempted = "preempted"
	OutcomeDuplicate = "duplicate"
	OutcomeDebounced = "debounced"
	OutcomeEvicted   = "evicted"
	OutcomeOverflow  = "overflow"
)

// Metrics holds every collector the engine reports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	alertsDispatched *prometheus.CounterVec
	alertFallbacks   *prometheus.CounterVec
	channelDuration  *prometheus.HistogramVec
	announcements    *prometheus.CounterVec
	locationErrors   *prometheus.CounterVec
	zoneTransitions  *prometheus.CounterVec
	circleActive     prometheus.Gauge
}

// New registers the engine collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		alertsDispatched: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_dispatched_total",
				Help:      "Alerts dispatched by type and final status",
			},
			[]string{"type", "status"},
		),

		alertFallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_fallbacks_total",
				Help:      "Alerts delivered through the degraded channel",
			},
			[]string{"type"},
		),

		channelDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "channel_delivery_duration_seconds",
				Help:      "Delivery attempt duration per channel and result",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel", "result"},
		),

		announcements: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "announcements_total",
				Help:      "Announcement queue outcomes",
			},
			[]string{"outcome"},
		),

		locationErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "location_errors_total",
				Help:      "Location errors surfaced to the user by kind",
			},
			[]string{"kind"},
		),

		zoneTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "zone_transitions_total",
				Help:      "Danger zone membership transitions",
			},
			[]string{"kind"},
		),

		circleActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "emergency_circle_active",
				Help:      "1 while an emergency circle session is active",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// AlertDispatched records the final status of an alert.
func (m *Metrics) AlertDispatched(alertType, status string, usingFallback bool) {
	if m == nil {
		return
	}
	m.alertsDispatched.WithLabelValues(alertType, status).Inc()
	if usingFallback {
		m.alertFallbacks.WithLabelValues(alertType).Inc()
	}
}

// ChannelAttempt records how long a delivery attempt on channel took.
func (m *Metrics) ChannelAttempt(channel string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.channelDuration.WithLabelValues(channel, result).Observe(d.Seconds())
}

// Announcement records an announcement queue outcome.
func (m *Metrics) Announcement(outcome string) {
	if m == nil {
		return
	}
	m.announcements.WithLabelValues(outcome).Inc()
}

// LocationError records a surfaced location error.
func (m *Metrics) LocationError(kind string) {
	if m == nil {
		return
	}
	m.locationErrors.WithLabelValues(kind).Inc()
}

// ZoneTransition records an enter or exit.
func (m *Metrics) ZoneTransition(kind string) {
	if m == nil {
		return
	}
	m.zoneTransitions.WithLabelValues(kind).Inc()
}

// SetCircleActive reflects the emergency circle state.
func (m *Metrics) SetCircleActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.circleActive.Set(1)
		return
	}
	m.circleActive.Set(0)
}
