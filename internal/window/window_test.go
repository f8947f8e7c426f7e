package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/safety-engine/internal/domain"
)

// 2026-10-18 is a Sunday
func at(hour, minute int) time.Time {
	return time.Date(2026, 10, 18, hour, minute, 0, 0, time.UTC)
}

func activeRule() *domain.SafetyRule {
	return &domain.SafetyRule{
		ID:       "rule-1",
		Kind:     domain.RuleMaxSpeed,
		Approval: domain.ApprovalActive,
		Armed:    true,
	}
}

func TestIsArmed_NoWindow(t *testing.T) {
	armed, fault := IsArmed(activeRule(), at(3, 0))
	assert.True(t, armed)
	assert.NoError(t, fault)
}

func TestIsArmed_RequiresApprovalAndSwitch(t *testing.T) {
	r := activeRule()
	r.Approval = domain.ApprovalPending
	armed, _ := IsArmed(r, at(12, 0))
	assert.False(t, armed)

	r = activeRule()
	r.Armed = false
	armed, _ = IsArmed(r, at(12, 0))
	assert.False(t, armed)
}

func TestIsArmed_SameDayWindow(t *testing.T) {
	r := activeRule()
	r.StartTime = "09:00"
	r.EndTime = "17:30"

	for _, tc := range []struct {
		h, m int
		want bool
	}{
		{8, 59, false},
		{9, 0, true},
		{12, 0, true},
		{17, 30, true},
		{17, 31, false},
	} {
		armed, fault := IsArmed(r, at(tc.h, tc.m))
		require.NoError(t, fault)
		assert.Equal(t, tc.want, armed, "%02d:%02d", tc.h, tc.m)
	}
}

func TestIsArmed_WrapsMidnight(t *testing.T) {
	r := activeRule()
	r.StartTime = "22:00"
	r.EndTime = "06:00"

	armed, _ := IsArmed(r, at(23, 30))
	assert.True(t, armed)
	armed, _ = IsArmed(r, at(5, 0))
	assert.True(t, armed)
	armed, _ = IsArmed(r, at(12, 0))
	assert.False(t, armed)
}

func TestIsArmed_ActiveDays(t *testing.T) {
	r := activeRule()
	r.ActiveDays = []int{2, 3, 4, 5, 6} // weekdays only

	armed, _ := IsArmed(r, at(12, 0)) // Sunday
	assert.False(t, armed)

	armed, _ = IsArmed(r, at(12, 0).AddDate(0, 0, 1)) // Monday
	assert.True(t, armed)
}

func TestIsArmed_MalformedWindowFailsOpen(t *testing.T) {
	for _, bad := range []string{"9am", "25:00", "12:60", "12", "ab:cd"} {
		r := activeRule()
		r.StartTime = bad
		r.EndTime = "06:00"

		armed, fault := IsArmed(r, at(12, 0))
		assert.True(t, armed, bad)
		assert.ErrorIs(t, fault, ErrMalformedTime, bad)
	}
}

func TestIsArmed_MalformedWindowStillHonoursDays(t *testing.T) {
	r := activeRule()
	r.StartTime = "xx"
	r.EndTime = "yy"
	r.ActiveDays = []int{2}

	armed, fault := IsArmed(r, at(12, 0))
	assert.False(t, armed)
	assert.NoError(t, fault)
}

func TestIsArmed_HalfWindowIgnored(t *testing.T) {
	r := activeRule()
	r.StartTime = "22:00"

	armed, fault := IsArmed(r, at(12, 0))
	assert.True(t, armed)
	assert.NoError(t, fault)
}

func TestWeekday(t *testing.T) {
	assert.Equal(t, 1, Weekday(at(0, 0)))
	assert.Equal(t, 7, Weekday(at(0, 0).AddDate(0, 0, 6)))
}

func TestValidate(t *testing.T) {
	r := activeRule()
	assert.NoError(t, Validate(r))

	r.StartTime = "22:00"
	assert.ErrorIs(t, Validate(r), ErrMalformedTime)

	r.EndTime = "06:00"
	assert.NoError(t, Validate(r))

	r.ActiveDays = []int{0}
	assert.Error(t, Validate(r))
}
