package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smukkama/safety-engine/internal/domain"
)

func TestHaversine_SamePoint(t *testing.T) {
	p := domain.GeoPoint{Lat: 40.2033, Lon: -8.4103}
	assert.Equal(t, 0.0, Haversine(p, p))
}

func TestHaversine_KnownDistance(t *testing.T) {
	// Coimbra -> Lisbon is roughly 175 km
	coimbra := domain.GeoPoint{Lat: 40.2033, Lon: -8.4103}
	lisbon := domain.GeoPoint{Lat: 38.7223, Lon: -9.1393}

	d := Haversine(coimbra, lisbon)
	assert.InDelta(t, 175000, d, 5000)
}

func TestHaversine_Symmetric(t *testing.T) {
	a := domain.GeoPoint{Lat: 10, Lon: 20}
	b := domain.GeoPoint{Lat: -5, Lon: 33}
	assert.InDelta(t, Haversine(a, b), Haversine(b, a), 1e-6)
}

func TestDestination(t *testing.T) {
	origin := domain.GeoPoint{Lat: 38.7223, Lon: -9.1393}

	north := Destination(origin, 0, 100)
	assert.InDelta(t, 100.0, Haversine(origin, north), 1e-6)
	assert.InDelta(t, origin.Lon, north.Lon, 1e-12)
	assert.Greater(t, north.Lat, origin.Lat)

	east := Destination(origin, 90, 250)
	assert.InDelta(t, 250.0, Haversine(origin, east), 1e-6)
	assert.Greater(t, east.Lon, origin.Lon)

	same := Destination(origin, 45, 0)
	assert.InDelta(t, origin.Lat, same.Lat, 1e-9)
	assert.InDelta(t, origin.Lon, same.Lon, 1e-9)
}
