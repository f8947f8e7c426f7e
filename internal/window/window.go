// Package window decides whether a safety rule is armed at a given instant.
package window

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smukkama/safety-engine/internal/domain"
)

var ErrMalformedTime = errors.New("malformed time of day")

// Weekday converts t to the rule day numbering (1 = Sunday ... 7 = Saturday)
func Weekday(t time.Time) int {
	return int(t.Weekday()) + 1
}

// ParseClock parses "HH:mm" into minutes since midnight
func ParseClock(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTime, s)
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTime, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedTime, s)
	}

	return h*60 + m, nil
}

// Contains reports whether minute-of-day n falls inside [start, end].
// When start > end the window wraps past midnight.
func Contains(start, end, n int) bool {
	if start <= end {
		return n >= start && n <= end
	}
	return n >= start || n <= end
}

// IsArmed reports whether rule r participates in evaluation at now.
//
// A rule must be approved and switched on, now must fall on one of its
// active days, and inside its time-of-day window when one is set. Window
// bounds that cannot be parsed do not constrain the rule: armed is then
// computed as if no window existed and fault describes the bad value so
// the caller can record it.
func IsArmed(r *domain.SafetyRule, now time.Time) (armed bool, fault error) {
	if r.Approval != domain.ApprovalActive || !r.Armed {
		return false, nil
	}

	if len(r.ActiveDays) > 0 && !containsDay(r.ActiveDays, Weekday(now)) {
		return false, nil
	}

	if !r.HasWindow() {
		return true, nil
	}

	start, err := ParseClock(r.StartTime)
	if err != nil {
		return true, fmt.Errorf("rule %s start: %w", r.ID, err)
	}
	end, err := ParseClock(r.EndTime)
	if err != nil {
		return true, fmt.Errorf("rule %s end: %w", r.ID, err)
	}

	n := now.Hour()*60 + now.Minute()
	return Contains(start, end, n), nil
}

// Validate checks the window fields of a rule before it is stored
func Validate(r *domain.SafetyRule) error {
	if (r.StartTime == "") != (r.EndTime == "") {
		return fmt.Errorf("%w: start and end must be set together", ErrMalformedTime)
	}
	if r.HasWindow() {
		if _, err := ParseClock(r.StartTime); err != nil {
			return err
		}
		if _, err := ParseClock(r.EndTime); err != nil {
			return err
		}
	}
	for _, d := range r.ActiveDays {
		if d < 1 || d > 7 {
			return fmt.Errorf("active day %d out of range 1..7", d)
		}
	}
	return nil
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
