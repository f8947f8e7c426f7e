package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smukkama/safety-engine/internal/domain"
)

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		reason string
		want   domain.RuleKind
	}{
		{"left safe zone: Home", domain.RuleGeofence},
		{"SAFE ZONE", domain.RuleGeofence},
		{"fall detected (Night)", domain.RuleFallDetection},
		{"accident detected (test)", domain.RuleAccident},
		{"speeding: 90.0 km/h", domain.RuleMaxSpeed},
		{"inactivity: 30 min without movement", domain.RuleInactivity},
		{"panic button pressed", domain.RulePanicButton},
		{"", domain.RulePanicButton},
		// keyword order decides ambiguous text
		{"fall in the zone", domain.RuleGeofence},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyReason(tt.reason), tt.reason)
	}
}
