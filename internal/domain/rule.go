package domain

import (
	"errors"
	"time"
)

// RuleKind identifies what a safety rule watches for
type RuleKind string

const (
	RuleGeofence      RuleKind = "GEOFENCING"
	RuleMaxSpeed      RuleKind = "MAX_SPEED"
	RuleInactivity    RuleKind = "INACTIVITY"
	RuleFallDetection RuleKind = "FALL_DETECTION"
	RuleAccident      RuleKind = "ACCIDENT"
	RulePanicButton   RuleKind = "PANIC_BUTTON"
)

// AllRuleKinds lists every kind in a fixed order
var AllRuleKinds = []RuleKind{
	RuleGeofence,
	RuleMaxSpeed,
	RuleInactivity,
	RuleFallDetection,
	RuleAccident,
	RulePanicButton,
}

// Valid reports whether k is one of the known kinds
func (k RuleKind) Valid() bool {
	for _, known := range AllRuleKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ApprovalState is the Protected user's answer to a rule proposed by a Monitor
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalActive   ApprovalState = "ACTIVE"
	ApprovalRejected ApprovalState = "REJECTED"
)

var (
	ErrMissingParameters = errors.New("rule is missing kind-specific parameters")
	ErrUnknownRuleKind   = errors.New("unknown rule kind")
)

// SafetyRule is a monitoring directive created by a Monitor for a Protected user
type SafetyRule struct {
	ID          string
	MonitorID   string
	ProtectedID string
	Name        string
	Kind        RuleKind
	Approval    ApprovalState
	Armed       bool

	// Kind-specific parameters; only the set matching Kind is populated
	GeofenceCenter       *GeoPoint
	GeofenceRadiusMeters *float64
	MaxSpeedKmh          *float64
	InactivityMinutes    *int

	// Active window. StartTime/EndTime are "HH:mm" and may wrap past midnight.
	// ActiveDays uses 1 = Sunday ... 7 = Saturday. Empty means every day.
	StartTime  string
	EndTime    string
	ActiveDays []int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasWindow reports whether both time-of-day bounds are set
func (r *SafetyRule) HasWindow() bool {
	return r.StartTime != "" && r.EndTime != ""
}

// Validate checks that the parameters required by the rule's kind are present
func (r *SafetyRule) Validate() error {
	switch r.Kind {
	case RuleGeofence:
		if r.GeofenceCenter == nil || r.GeofenceRadiusMeters == nil {
			return ErrMissingParameters
		}
	case RuleMaxSpeed:
		if r.MaxSpeedKmh == nil {
			return ErrMissingParameters
		}
	case RuleInactivity:
		if r.InactivityMinutes == nil {
			return ErrMissingParameters
		}
	case RuleFallDetection, RuleAccident, RulePanicButton:
	default:
		return ErrUnknownRuleKind
	}
	return nil
}
