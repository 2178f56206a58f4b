// Package billingwindow maps instants onto the non-overlapping calendar
// windows that statements are grouped by.
package billingwindow

import (
	"errors"
	"time"
)

// Window is one billing period. Start and End are inclusive calendar dates
// (midnight UTC time.Time values); adjacent windows never share a date.
type Window struct {
	Start time.Time
	End   time.Time
}

var ErrInvalidCycleStartDay = errors.New("invalid_cycle_start_day")

// Compute resolves the billing window containing ref. The instant is
// interpreted in loc, the business timezone, never in the process zone.
// cycleStartDay is the calendar day a new window begins on; days past the end
// of a short month clamp to that month's last day, so a 31-day cycle start
// still yields gapless, non-overlapping windows across February.
func Compute(ref time.Time, loc *time.Location, cycleStartDay int) (Window, error) {
	if cycleStartDay < 1 || cycleStartDay > 31 {
		return Window{}, ErrInvalidCycleStartDay
	}
	if loc == nil {
		loc = time.UTC
	}

	local := ref.In(loc)
	year, month, day := local.Date()

	startYear, startMonth := year, month
	if day < clampDay(year, month, cycleStartDay) {
		startYear, startMonth = prevMonth(year, month)
	}
	start := dateUTC(startYear, startMonth, clampDay(startYear, startMonth, cycleStartDay))

	nextYear, nextMonth := nextMonth(startYear, startMonth)
	nextStart := dateUTC(nextYear, nextMonth, clampDay(nextYear, nextMonth, cycleStartDay))
	end := nextStart.AddDate(0, 0, -1)

	return Window{Start: start, End: end}, nil
}

// Contains reports whether the date part of t (in loc) falls inside w.
func (w Window) Contains(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	year, month, day := t.In(loc).Date()
	d := dateUTC(year, month, day)
	return !d.Before(w.Start) && !d.After(w.End)
}

func clampDay(year int, month time.Month, day int) int {
	if last := lastDayOfMonth(year, month); day > last {
		return last
	}
	return day
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func prevMonth(year int, month time.Month) (int, time.Month) {
	if month == time.January {
		return year - 1, time.December
	}
	return year, month - 1
}

func nextMonth(year int, month time.Month) (int, time.Month) {
	if month == time.December {
		return year + 1, time.January
	}
	return year, month + 1
}

func dateUTC(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
