package alerting

import (
	"strings"

	"github.com/smukkama/safety-engine/internal/domain"
)

// reasonKeywords is checked in order; the first keyword found wins
var reasonKeywords = []struct {
	keyword string
	kind    domain.RuleKind
}{
	{"zone", domain.RuleGeofence},
	{"fall", domain.RuleFallDetection},
	{"accident", domain.RuleAccident},
	{"speed", domain.RuleMaxSpeed},
	{"inactivity", domain.RuleInactivity},
}

// ClassifyReason derives a rule kind from a free-text reason by
// case-insensitive keyword match, defaulting to the panic button. It is only
// used for triggers that arrive without an explicit kind.
func ClassifyReason(reason string) domain.RuleKind {
	lower := strings.ToLower(reason)
	for _, k := range reasonKeywords {
		if strings.Contains(lower, k.keyword) {
			return k.kind
		}
	}
	return domain.RulePanicButton
}
