// Package wearperiod decides whether a recording's wear window falls inside
// a reference-system association. All comparisons are at day granularity:
// vendors report wall-clock timestamps, reference systems report dates, and
// the time of day carries no signal for identity resolution.
package wearperiod

import "time"

// Interval is a day-normalised closed interval.
type Interval struct {
	Start time.Time
	End   time.Time
}

// NormalizeDay truncates to UTC midnight.
func NormalizeDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// New builds a day-normalised interval. An open-ended candidate (end == nil)
// is closed at the supplied "today", meaning the device is still in use.
func New(start time.Time, end *time.Time, today time.Time) Interval {
	e := NormalizeDay(today)
	if end != nil {
		e = NormalizeDay(*end)
	}
	return Interval{Start: NormalizeDay(start), End: e}
}

// Closed builds a day-normalised interval from two concrete times.
func Closed(start, end time.Time) Interval {
	return Interval{Start: NormalizeDay(start), End: NormalizeDay(end)}
}

// Contains reports whether target lies fully within i, inclusive on both
// ends.
func (i Interval) Contains(target Interval) bool {
	if target.Start.Before(i.Start) || target.Start.After(i.End) {
		return false
	}
	if target.End.Before(i.Start) || target.End.After(i.End) {
		return false
	}
	return true
}
