package location

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"
)

// Geocoder defaults.
const (
	DefaultGeocodeTimeout  = 5 * time.Second
	DefaultGeocodeCacheTTL = 30 * time.Minute
	geocodeCleanupInterval = 10 * time.Minute
	geocodeUserAgent       = "GuardianPipe/1.0"
)

// reverseResponse is the subset of a Nominatim-compatible /reverse reply we read.
type reverseResponse struct {
	DisplayName string `json:"display_name"`
	Error       string `json:"error,omitempty"`
}

// HTTPGeocoder resolves addresses against a Nominatim-compatible endpoint.
// Lookups are cached per ~11 m grid cell.
type HTTPGeocoder struct {
	client *resty.Client
	cache  *cache.Cache
}

// NewHTTPGeocoder creates a geocoder rooted at baseURL.
func NewHTTPGeocoder(baseURL string) *HTTPGeocoder {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(DefaultGeocodeTimeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", geocodeUserAgent)

	return &HTTPGeocoder{
		client: client,
		cache:  cache.New(DefaultGeocodeCacheTTL, geocodeCleanupInterval),
	}
}

// ReverseGeocode returns the display name for lat/lon.
func (g *HTTPGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	key := fmt.Sprintf("%.4f,%.4f", lat, lon)
	if v, ok := g.cache.Get(key); ok {
		return v.(string), nil
	}

	var out reverseResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"format": "jsonv2",
			"lat":    strconv.FormatFloat(lat, 'f', 6, 64),
			"lon":    strconv.FormatFloat(lon, 'f', 6, 64),
		}).
		SetResult(&out).
		Get("/reverse")
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("reverse geocode: unexpected status %d", resp.StatusCode())
	}
	if out.DisplayName == "" {
		return "", fmt.Errorf("reverse geocode: no result (%s)", out.Error)
	}

	g.cache.Set(key, out.DisplayName, cache.DefaultExpiration)
	slog.Debug("HTTPGeocoder.ReverseGeocode: resolved", "key", key)
	return out.DisplayName, nil
}
