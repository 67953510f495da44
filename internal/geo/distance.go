// Package geo holds the proximity math used by the live-session engine:
// great-circle distance between fuzzed coordinates and the location
// privacy transform applied before a session is stored.
package geo

import (
	"fmt"
	"math"
)

// EarthRadiusKm is the mean Earth radius used by every distance computation,
// in Go and in the candidate SQL.
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects coordinates outside the valid latitude/longitude range.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return fmt.Errorf("geo: coordinate is NaN")
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("geo: latitude %f out of range", p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("geo: longitude %f out of range", p.Lng)
	}
	return nil
}

// DistanceKm returns the great-circle distance between a and b using the
// spherical law of cosines. The acos input is clamped to [-1, 1] so that
// rounding at identical or antipodal points never yields NaN.
func DistanceKm(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLng := radians(b.Lng) - radians(a.Lng)

	cosAngle := math.Cos(lat1)*math.Cos(lat2)*math.Cos(dLng) + math.Sin(lat1)*math.Sin(lat2)
	return EarthRadiusKm * math.Acos(clamp(cosAngle, -1, 1))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
