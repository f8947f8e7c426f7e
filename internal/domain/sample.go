package domain

import "time"

// GeoPoint is a WGS84 coordinate pair in degrees
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// LocationSample is a point-in-time position reading from the device
type LocationSample struct {
	Position  GeoPoint
	SpeedMps  float64 // zero when unknown
	Timestamp time.Time
}

// SpeedKmh converts the sample speed from m/s to km/h
func (s LocationSample) SpeedKmh() float64 {
	return s.SpeedMps * 3.6
}
