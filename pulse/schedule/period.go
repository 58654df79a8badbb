package schedule

import (
	"strings"
	"time"

	"github.com/teranos/portal/errors"
)

// Period is the calendar unit a Periodic schedule repeats on
type Period string

const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
	PeriodWeek   Period = "week"
)

// ParsePeriod accepts the lowercase period names, case-insensitively
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case PeriodMinute, PeriodHour, PeriodDay, PeriodWeek:
		return p, nil
	}
	return "", errors.NewConfigurationError("unknown period %q (want minute, hour, day or week)", s)
}

// Nominal is the period's length ignoring DST. Offsets must stay below it.
func (p Period) Nominal() time.Duration {
	switch p {
	case PeriodMinute:
		return time.Minute
	case PeriodHour:
		return time.Hour
	case PeriodDay:
		return 24 * time.Hour
	case PeriodWeek:
		return 7 * 24 * time.Hour
	}
	return 0
}

// truncate returns the period boundary at or before t, in t's location.
//
// Minute and hour boundaries are found by stripping local wall-clock fields
// so zones with sub-hour UTC offsets align on their own hours. Day and week
// boundaries are local midnights (weeks begin on Monday).
func (p Period) truncate(t time.Time) time.Time {
	sub := time.Duration(t.Second())*time.Second + time.Duration(t.Nanosecond())
	switch p {
	case PeriodMinute:
		return t.Add(-sub)
	case PeriodHour:
		return t.Add(-(time.Duration(t.Minute())*time.Minute + sub))
	case PeriodDay:
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	case PeriodWeek:
		y, m, d := t.Date()
		sinceMonday := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-sinceMonday, 0, 0, 0, 0, t.Location())
	}
	return t
}

// step moves a boundary n periods. Minutes and hours move on the absolute
// timeline; days and weeks move on the calendar, so a day that crosses a
// DST transition is 23h or 25h long.
func (p Period) step(boundary time.Time, n int) time.Time {
	switch p {
	case PeriodMinute:
		return boundary.Add(time.Duration(n) * time.Minute)
	case PeriodHour:
		return boundary.Add(time.Duration(n) * time.Hour)
	case PeriodDay:
		y, m, d := boundary.Date()
		return time.Date(y, m, d+n, 0, 0, 0, 0, boundary.Location())
	case PeriodWeek:
		y, m, d := boundary.Date()
		return time.Date(y, m, d+7*n, 0, 0, 0, 0, boundary.Location())
	}
	return boundary
}
