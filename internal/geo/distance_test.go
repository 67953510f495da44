package geo

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kmPerDegreeLat is the length of one degree of latitude on the sphere used
// by DistanceKm.
const kmPerDegreeLat = EarthRadiusKm * math.Pi / 180

func TestDistanceKm_IdenticalPointsIsZero(t *testing.T) {
	p := Point{Lat: 52.520008, Lng: 13.404954}

	d := DistanceKm(p, p)

	require.False(t, math.IsNaN(d), "identical points must not produce NaN")
	assert.InDelta(t, 0, d, 1e-3)
}

func TestDistanceKm_AntipodalPointsIsHalfCircumference(t *testing.T) {
	a := Point{Lat: 40, Lng: -74}
	b := Point{Lat: -40, Lng: 106}

	d := DistanceKm(a, b)

	require.False(t, math.IsNaN(d), "antipodal points must not produce NaN")
	assert.InDelta(t, math.Pi*EarthRadiusKm, d, 0.01)
}

func TestDistanceKm_KnownCityPair(t *testing.T) {
	london := Point{Lat: 51.5074, Lng: -0.1278}
	paris := Point{Lat: 48.8566, Lng: 2.3522}

	assert.InDelta(t, 343.5, DistanceKm(london, paris), 2.0)
}

func TestDistanceKm_Symmetric(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		a := Point{Lat: rng.Float64()*180 - 90, Lng: rng.Float64()*360 - 180}
		b := Point{Lat: rng.Float64()*180 - 90, Lng: rng.Float64()*360 - 180}
		assert.InDelta(t, DistanceKm(a, b), DistanceKm(b, a), 1e-9)
	}
}

func TestDistanceKm_ThresholdExample(t *testing.T) {
	seeker := Point{Lat: 40.0, Lng: -3.7}
	near := Point{Lat: seeker.Lat + 9.9/kmPerDegreeLat, Lng: seeker.Lng}
	far := Point{Lat: seeker.Lat + 12.0/kmPerDegreeLat, Lng: seeker.Lng}

	const maxKm = 10.0
	assert.LessOrEqual(t, DistanceKm(seeker, near), maxKm)
	assert.Greater(t, DistanceKm(seeker, far), maxKm)
}

func TestPoint_Validate(t *testing.T) {
	tests := []struct {
		name    string
		p       Point
		wantErr bool
	}{
		{"origin", Point{0, 0}, false},
		{"poles and dateline", Point{90, 180}, false},
		{"lat too high", Point{90.1, 0}, true},
		{"lng too low", Point{0, -180.5}, true},
		{"nan", Point{math.NaN(), 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJitterFuzzer_StaysWithinRadius(t *testing.T) {
	f := NewJitterFuzzer(1.5, rand.New(rand.NewPCG(7, 11)))
	raw := Point{Lat: 59.9139, Lng: 10.7522}

	moved := 0
	for i := 0; i < 500; i++ {
		fuzzed := f.Fuzz(raw)
		require.NoError(t, fuzzed.Validate())
		assert.LessOrEqual(t, DistanceKm(raw, fuzzed), 1.5+1e-3)
		if fuzzed != raw {
			moved++
		}
	}
	assert.Greater(t, moved, 490, "fuzzing should almost always move the point")
}

func TestJitterFuzzer_ZeroRadiusIsIdentity(t *testing.T) {
	f := NewJitterFuzzer(0, nil)
	raw := Point{Lat: -33.8688, Lng: 151.2093}
	assert.Equal(t, raw, f.Fuzz(raw))
}

func TestJitterFuzzer_WrapsLongitudeAtDateline(t *testing.T) {
	f := NewJitterFuzzer(50, rand.New(rand.NewPCG(3, 5)))
	raw := Point{Lat: 0, Lng: 179.99}
	for i := 0; i < 100; i++ {
		require.NoError(t, f.Fuzz(raw).Validate())
	}
}
