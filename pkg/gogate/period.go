package gogate

import (
	"fmt"
	"time"
)

// Window is a calendar usage window [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// CurrentWindow returns the window containing now for the reset period.
// Windows start at local midnight in loc: daily on every day, weekly on
// weekStart, monthly on the first of the month.
func CurrentWindow(period ResetPeriod, now time.Time, loc *time.Location, weekStart time.Weekday) (Window, error) {
	if loc == nil {
		loc = time.Local
	}
	n := now.In(loc)
	today := startOfDay(n)

	switch period {
	case ResetDaily:
		return Window{Start: today, End: today.AddDate(0, 0, 1)}, nil
	case ResetWeekly:
		back := (int(n.Weekday()) - int(weekStart) + 7) % 7
		start := today.AddDate(0, 0, -back)
		return Window{Start: start, End: start.AddDate(0, 0, 7)}, nil
	case ResetMonthly:
		start := time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, loc)
		return Window{Start: start, End: start.AddDate(0, 1, 0)}, nil
	default:
		return Window{}, fmt.Errorf("unknown reset period %q", period)
	}
}

// startOfDay goes through time.Date so DST days keep their real midnight.
func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
