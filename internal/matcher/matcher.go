// Package matcher holds one predicate per rule kind. Every matcher is pure:
// it looks at a rule and the latest observation and reports a violation
// together with the human readable reason shown to the user.
package matcher

import (
	"fmt"

	"github.com/smukkama/safety-engine/internal/domain"
	"github.com/smukkama/safety-engine/internal/geo"
)

// Reason prefixes. Each one contains the keyword alerting.ClassifyReason
// looks for, so free-text reasons stay classifiable.
const (
	ReasonGeofence   = "left safe zone: %s"
	ReasonSpeed      = "speeding: %.1f km/h"
	ReasonInactivity = "inactivity: %d min without movement"
	ReasonFall       = "fall detected"
	ReasonAccident   = "accident detected"
	ReasonPanic      = "panic button pressed"
	reasonTestSuffix = "test"
)

// Violation describes a rule that was broken
type Violation struct {
	Kind     domain.RuleKind
	RuleID   string
	RuleName string
	Reason   string
	// Test is set for sensor events that fired without a matching armed rule
	Test bool
}

// Geofence flags samples outside a rule's safe zone
type Geofence struct {
	Distance geo.DistanceFunc
}

// NewGeofence returns a geofence matcher using great-circle distance
func NewGeofence() Geofence {
	return Geofence{Distance: geo.Haversine}
}

// Match reports a violation when the sample lies strictly farther than the
// rule radius from its center. Rules without a center or radius never match.
func (g Geofence) Match(r *domain.SafetyRule, s domain.LocationSample) (Violation, bool) {
	if r.Kind != domain.RuleGeofence || r.GeofenceCenter == nil || r.GeofenceRadiusMeters == nil {
		return Violation{}, false
	}

	distance := g.Distance
	if distance == nil {
		distance = geo.Haversine
	}

	if distance(s.Position, *r.GeofenceCenter) <= *r.GeofenceRadiusMeters {
		return Violation{}, false
	}

	return Violation{
		Kind:     domain.RuleGeofence,
		RuleID:   r.ID,
		RuleName: r.Name,
		Reason:   fmt.Sprintf(ReasonGeofence, r.Name),
	}, true
}

// Speed reports a violation when the sample speed exceeds the rule limit
func Speed(r *domain.SafetyRule, s domain.LocationSample) (Violation, bool) {
	if r.Kind != domain.RuleMaxSpeed || r.MaxSpeedKmh == nil {
		return Violation{}, false
	}

	kmh := s.SpeedKmh()
	if kmh <= *r.MaxSpeedKmh {
		return Violation{}, false
	}

	return Violation{
		Kind:     domain.RuleMaxSpeed,
		RuleID:   r.ID,
		RuleName: r.Name,
		Reason:   fmt.Sprintf(ReasonSpeed, kmh),
	}, true
}

// Inactivity reports a violation once the user has been still for at least
// the rule's number of minutes
func Inactivity(r *domain.SafetyRule, inactiveMinutes int) (Violation, bool) {
	if r.Kind != domain.RuleInactivity || r.InactivityMinutes == nil {
		return Violation{}, false
	}
	if inactiveMinutes < *r.InactivityMinutes {
		return Violation{}, false
	}

	return Violation{
		Kind:     domain.RuleInactivity,
		RuleID:   r.ID,
		RuleName: r.Name,
		Reason:   fmt.Sprintf(ReasonInactivity, inactiveMinutes),
	}, true
}

// SensorEvent qualifies a fall or accident reported by the motion detector.
// The event always produces a violation; the first armed rule of the same
// kind names it, otherwise it is labelled as a test alert.
func SensorEvent(kind domain.RuleKind, rules []*domain.SafetyRule, armed func(*domain.SafetyRule) bool) Violation {
	base := ReasonFall
	if kind == domain.RuleAccident {
		base = ReasonAccident
	}

	for _, r := range rules {
		if r.Kind != kind || !armed(r) {
			continue
		}
		return Violation{
			Kind:     kind,
			RuleID:   r.ID,
			RuleName: r.Name,
			Reason:   fmt.Sprintf("%s (%s)", base, r.Name),
		}
	}

	return Violation{
		Kind:   kind,
		Reason: fmt.Sprintf("%s (%s)", base, reasonTestSuffix),
		Test:   true,
	}
}

// Panic is always a violation; no rule is required
func Panic() Violation {
	return Violation{
		Kind:   domain.RulePanicButton,
		Reason: ReasonPanic,
	}
}
