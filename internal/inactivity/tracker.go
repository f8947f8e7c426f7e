package inactivity

import (
	"time"

	"github.com/smukkama/safety-engine/internal/domain"
	"github.com/smukkama/safety-engine/internal/geo"
)

// DefaultMovementThreshold is the displacement in meters that counts as movement
const DefaultMovementThreshold = 50.0

// Tracker remembers where the user last was and when they last moved.
// It is not safe for concurrent use; the owning engine serializes access.
type Tracker struct {
	threshold    float64
	distance     geo.DistanceFunc
	lastPosition *domain.GeoPoint
	lastMovement time.Time
}

// NewTracker creates a tracker whose movement clock starts at start
func NewTracker(threshold float64, start time.Time) *Tracker {
	if threshold <= 0 {
		threshold = DefaultMovementThreshold
	}
	return &Tracker{
		threshold:    threshold,
		distance:     geo.Haversine,
		lastMovement: start,
	}
}

// Observe records a new position. Moving strictly more than the threshold
// away from the previous position restarts the movement clock at at.
func (t *Tracker) Observe(p domain.GeoPoint, at time.Time) {
	if t.lastPosition != nil && t.distance(p, *t.lastPosition) > t.threshold {
		t.lastMovement = at
	}
	pos := p
	t.lastPosition = &pos
}

// InactiveMinutes returns the whole minutes elapsed since the last movement
func (t *Tracker) InactiveMinutes(now time.Time) int {
	elapsed := now.Sub(t.lastMovement)
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / time.Minute)
}

// MarkFired restarts the movement clock after an inactivity alert so it
// does not fire again on the next sample
func (t *Tracker) MarkFired(now time.Time) {
	t.lastMovement = now
}

// Reset forgets the last position and restarts the clock at start
func (t *Tracker) Reset(start time.Time) {
	t.lastPosition = nil
	t.lastMovement = start
}

// LastPosition returns the most recent observed position, if any
func (t *Tracker) LastPosition() (domain.GeoPoint, bool) {
	if t.lastPosition == nil {
		return domain.GeoPoint{}, false
	}
	return *t.lastPosition, true
}

// LastMovement returns when the user last moved more than the threshold
func (t *Tracker) LastMovement() time.Time {
	return t.lastMovement
}

// Threshold returns the configured movement threshold in meters
func (t *Tracker) Threshold() float64 {
	return t.threshold
}
