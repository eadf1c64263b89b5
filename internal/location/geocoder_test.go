package location

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPGeocoderCachesLookups(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/reverse" || r.URL.Query().Get("format") != "jsonv2" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"display_name":"Koramangala, Bengaluru"}`))
	}))
	defer srv.Close()

	g := NewHTTPGeocoder(srv.URL)
	for i := 0; i < 2; i++ {
		addr, err := g.ReverseGeocode(context.Background(), 12.9352, 77.6245)
		if err != nil {
			t.Fatalf("ReverseGeocode: %v", err)
		}
		if addr != "Koramangala, Bengaluru" {
			t.Errorf("addr = %q", addr)
		}
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("expected one upstream call, got %d", hits)
	}
}

func TestHTTPGeocoderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("lat") == "0.000000" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"error":"Unable to geocode"}`))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	g := NewHTTPGeocoder(srv.URL)
	if _, err := g.ReverseGeocode(context.Background(), 12.9, 77.6); err == nil {
		t.Error("expected error on 503")
	}
	if _, err := g.ReverseGeocode(context.Background(), 0, 0); err == nil {
		t.Error("expected error when no display name is returned")
	}
}
