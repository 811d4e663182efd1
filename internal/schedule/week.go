// Package schedule provides weekly time-window schedules for the heating
// controller and a cron runner for time-based triggers.
package schedule

import (
	"fmt"
	"strings"
	"time"
)

// Period is one scheduled window within a day. Windows are half-open
// [Start, End); when windows overlap, the latest-defined one wins.
type Period struct {
	Start      string  `json:"start"` // "HH:MM"
	End        string  `json:"end"`   // "HH:MM"
	TargetTemp float64 `json:"targetTemp"`
}

// Week maps lowercase day names to their ordered periods.
type Week map[string][]Period

var dayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// NormalizeDay validates a day name and returns its canonical lowercase form.
func NormalizeDay(day string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(day))
	if _, ok := dayNames[normalized]; !ok {
		return "", fmt.Errorf("unknown day %q", day)
	}
	return normalized, nil
}

// DayName returns the canonical name for a weekday.
func DayName(d time.Weekday) string {
	return strings.ToLower(d.String())
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(value string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(value), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", value)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid time %q: out of range", value)
	}
	return h*60 + m, nil
}

// ValidatePeriods rejects malformed periods (bad clock values, zero-length or
// inverted windows). Overlaps are allowed; resolution handles them.
func ValidatePeriods(periods []Period) error {
	for i, p := range periods {
		start, err := ParseClock(p.Start)
		if err != nil {
			return fmt.Errorf("period %d: %w", i, err)
		}
		end, err := ParseClock(p.End)
		if err != nil {
			return fmt.Errorf("period %d: %w", i, err)
		}
		if end <= start {
			return fmt.Errorf("period %d: end %s not after start %s", i, p.End, p.Start)
		}
	}
	return nil
}

// Resolve returns the active period at t, honoring half-open windows and
// latest-defined-wins for overlaps.
func (w Week) Resolve(t time.Time) (Period, bool) {
	periods, ok := w[DayName(t.Weekday())]
	if !ok {
		return Period{}, false
	}

	minutes := t.Hour()*60 + t.Minute()
	var active Period
	found := false
	for _, p := range periods {
		start, err := ParseClock(p.Start)
		if err != nil {
			continue
		}
		end, err := ParseClock(p.End)
		if err != nil {
			continue
		}
		if minutes >= start && minutes < end {
			active = p
			found = true
		}
	}
	return active, found
}

// InWindow reports whether t falls inside the [startHHMM, endHHMM) window.
// Windows may wrap midnight (e.g. 22:00 to 06:00).
func InWindow(t time.Time, startHHMM, endHHMM string) (bool, error) {
	start, err := ParseClock(startHHMM)
	if err != nil {
		return false, err
	}
	end, err := ParseClock(endHHMM)
	if err != nil {
		return false, err
	}

	minutes := t.Hour()*60 + t.Minute()
	if start <= end {
		return minutes >= start && minutes < end, nil
	}
	// Wraps midnight.
	return minutes >= start || minutes < end, nil
}
