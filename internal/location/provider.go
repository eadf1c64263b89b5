// Package location owns the single source of truth for where the user is.
//
// It wraps a Provider with retry and backoff, a freshness cache and a
// change-significance filter for watch streams.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/GuardianPipe/internal/models"
)

// PositionOptions are passed to the provider on every request.
type PositionOptions struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// Default provider options for one-shot and watch requests.
var (
	DefaultRequestOptions = PositionOptions{HighAccuracy: true, Timeout: 15 * time.Second, MaxAge: 5 * time.Minute}
	DefaultWatchOptions   = PositionOptions{HighAccuracy: true, Timeout: 10 * time.Second, MaxAge: 30 * time.Second}
)

// SubscriptionID identifies a provider watch.
type SubscriptionID string

// FixFunc receives a position fix from a provider watch.
type FixFunc func(models.LocationSample)

// ErrorFunc receives a classified location error.
type ErrorFunc func(*models.LocationError)

// Provider is the raw source of position fixes.
type Provider interface {
	RequestPosition(ctx context.Context, opts PositionOptions) (models.LocationSample, error)
	WatchPosition(onFix FixFunc, onErr ErrorFunc, opts PositionOptions) (SubscriptionID, error)
	Cancel(id SubscriptionID)
}

// UnsupportedProvider is used when no position source is configured.
type UnsupportedProvider struct{}

func (UnsupportedProvider) RequestPosition(context.Context, PositionOptions) (models.LocationSample, error) {
	return models.LocationSample{}, models.NewLocationError(models.LocationNotSupported, "no location provider configured", nil)
}

func (UnsupportedProvider) WatchPosition(FixFunc, ErrorFunc, PositionOptions) (SubscriptionID, error) {
	return "", models.NewLocationError(models.LocationNotSupported, "no location provider configured", nil)
}

func (UnsupportedProvider) Cancel(SubscriptionID) {}

// classify converts an arbitrary provider error into a LocationError.
func classify(err error) *models.LocationError {
	var locErr *models.LocationError
	if errors.As(err, &locErr) {
		return locErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewLocationError(models.LocationTimeout, "location request timed out", err)
	}
	return models.NewLocationError(models.LocationPositionUnavailable, err.Error(), err)
}
