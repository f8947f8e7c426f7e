// Package motion turns raw accelerometer readings into discrete fall and
// accident events.
package motion

import (
	"math"
	"sync"
	"time"

	"github.com/smukkama/safety-engine/internal/domain"
)

// Thresholds configures the detector. Magnitudes are in m/s².
type Thresholds struct {
	Fall        float64
	Accident    float64
	IgnoreBelow float64
	Cooldown    time.Duration
}

// DefaultThresholds returns the canonical detector settings
func DefaultThresholds() Thresholds {
	return Thresholds{
		Fall:        25,
		Accident:    45,
		IgnoreBelow: 15,
		Cooldown:    3 * time.Second,
	}
}

// Event is a detected fall or accident
type Event struct {
	Kind      domain.RuleKind
	Magnitude float64
	At        time.Time
}

// Detector classifies accelerometer samples. The cooldown is shared by both
// event kinds so one physical impact yields a single event.
type Detector struct {
	mu          sync.Mutex
	thresholds  Thresholds
	lastTrigger time.Time
}

// NewDetector creates a detector; zero fields fall back to the defaults
func NewDetector(t Thresholds) *Detector {
	def := DefaultThresholds()
	if t.Fall <= 0 {
		t.Fall = def.Fall
	}
	if t.Accident <= 0 {
		t.Accident = def.Accident
	}
	if t.IgnoreBelow <= 0 {
		t.IgnoreBelow = def.IgnoreBelow
	}
	if t.Cooldown <= 0 {
		t.Cooldown = def.Cooldown
	}
	return &Detector{thresholds: t}
}

// Magnitude returns the length of the acceleration vector
func Magnitude(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

// Observe feeds one reading and returns an event when a threshold is crossed
// outside the cooldown
func (d *Detector) Observe(x, y, z float64, at time.Time) (Event, bool) {
	m := Magnitude(x, y, z)

	d.mu.Lock()
	defer d.mu.Unlock()

	if m < d.thresholds.IgnoreBelow || m <= d.thresholds.Fall {
		return Event{}, false
	}
	if !d.lastTrigger.IsZero() && at.Sub(d.lastTrigger) < d.thresholds.Cooldown {
		return Event{}, false
	}

	kind := domain.RuleFallDetection
	if m > d.thresholds.Accident {
		kind = domain.RuleAccident
	}
	d.lastTrigger = at

	return Event{Kind: kind, Magnitude: m, At: at}, true
}

// Reset clears the cooldown
func (d *Detector) Reset() {
	d.mu.Lock()
	d.lastTrigger = time.Time{}
	d.mu.Unlock()
}

// Thresholds returns the active settings
func (d *Detector) Thresholds() Thresholds {
	return d.thresholds
}
