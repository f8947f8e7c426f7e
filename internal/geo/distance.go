package geo

import (
	"math"

	"github.com/smukkama/safety-engine/internal/domain"
)

// EarthRadiusMeters is the mean Earth radius used by Haversine
const EarthRadiusMeters = 6371000.0

// DistanceFunc returns the distance in meters between two points
type DistanceFunc func(a, b domain.GeoPoint) float64

// Haversine returns the great-circle distance between a and b in meters
func Haversine(a, b domain.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// Destination returns the point reached by travelling meters from p along
// the great circle with the given bearing (degrees clockwise from north).
func Destination(p domain.GeoPoint, bearing, meters float64) domain.GeoPoint {
	lat1 := p.Lat * math.Pi / 180
	lon1 := p.Lon * math.Pi / 180
	theta := bearing * math.Pi / 180
	delta := meters / EarthRadiusMeters

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)

	return domain.GeoPoint{
		Lat: lat2 * 180 / math.Pi,
		Lon: lon2 * 180 / math.Pi,
	}
}
