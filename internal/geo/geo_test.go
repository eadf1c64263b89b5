package geo

import (
	"math"
	"testing"
)

func TestDistanceMetersSamePoint(t *testing.T) {
	p := Point{Lat: 12.9352, Lon: 77.6245}
	if d := DistanceMeters(p, p); d != 0 {
		t.Errorf("expected 0, got %f", d)
	}
}

func TestDistanceMetersKnownPairs(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
		tol  float64
	}{
		// One degree of latitude on a 6371 km sphere.
		{"one degree lat", Point{0, 0}, Point{1, 0}, 111194.9, 1},
		{"bangalore to mumbai", Point{12.9716, 77.5946}, Point{19.0760, 72.8777}, 845000, 5000},
		{"short hop", Point{12.9352, 77.6245}, Point{12.9353, 77.6245}, 11.1, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(tt.a, tt.b)
			if math.Abs(got-tt.want) > tt.tol {
				t.Errorf("DistanceMeters = %f, want %f±%f", got, tt.want, tt.tol)
			}
			if back := DistanceMeters(tt.b, tt.a); math.Abs(back-got) > 1e-6 {
				t.Errorf("distance not symmetric: %f vs %f", got, back)
			}
		})
	}
}

func TestBearingDegrees(t *testing.T) {
	tests := []struct {
		name string
		b    Point
		want float64
	}{
		{"north", Point{1, 0}, 0},
		{"east", Point{0, 1}, 90},
		{"south", Point{-1, 0}, 180},
		{"west", Point{0, -1}, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BearingDegrees(Point{0, 0}, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("BearingDegrees = %f, want %f", got, tt.want)
			}
		})
	}
}
