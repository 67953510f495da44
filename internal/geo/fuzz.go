package geo

import (
	"math"
	"math/rand/v2"
)

// Fuzzer turns a raw coordinate into the privacy-perturbed one that is
// stored and used for every proximity query.
type Fuzzer interface {
	Fuzz(p Point) Point
}

// JitterFuzzer moves a point in a uniformly random direction by a random
// distance of at most RadiusKm.
type JitterFuzzer struct {
	RadiusKm float64
	rng      *rand.Rand
}

// NewJitterFuzzer returns a JitterFuzzer. A nil rng uses the global source.
func NewJitterFuzzer(radiusKm float64, rng *rand.Rand) *JitterFuzzer {
	return &JitterFuzzer{RadiusKm: radiusKm, rng: rng}
}

func (f *JitterFuzzer) float64() float64 {
	if f.rng != nil {
		return f.rng.Float64()
	}
	return rand.Float64()
}

// Fuzz returns the destination point reached by travelling a random
// distance along a random bearing from p.
func (f *JitterFuzzer) Fuzz(p Point) Point {
	if f.RadiusKm <= 0 {
		return p
	}

	// sqrt keeps the result uniform over the disc rather than clustered at
	// the centre.
	dist := f.RadiusKm * math.Sqrt(f.float64())
	bearing := 2 * math.Pi * f.float64()
	angular := dist / EarthRadiusKm

	lat1 := radians(p.Lat)
	lng1 := radians(p.Lng)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(angular) +
		math.Cos(lat1)*math.Sin(angular)*math.Cos(bearing))
	lng2 := lng1 + math.Atan2(math.Sin(bearing)*math.Sin(angular)*math.Cos(lat1),
		math.Cos(angular)-math.Sin(lat1)*math.Sin(lat2))

	return Point{Lat: degrees(lat2), Lng: normalizeLng(degrees(lng2))}
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

func normalizeLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
