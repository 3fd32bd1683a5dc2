package util

import (
	"fmt"
	"time"
)

// TradingCalendar provides session-hours and holiday awareness for one
// account's configured trading window. Times of day are interpreted in the
// calendar's location.
type TradingCalendar struct {
	loc      *time.Location
	open     TimeOfDay
	close    TimeOfDay
	weekdays map[time.Weekday]bool
	holidays map[string]bool // YYYY-MM-DD in loc
}

// TimeOfDay is a wall-clock time with minute resolution.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM" into a TimeOfDay.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var tod TimeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d", &tod.Hour, &tod.Minute); err != nil {
		return TimeOfDay{}, fmt.Errorf("parsing time of day %q: %w", s, err)
	}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return tod, nil
}

// At anchors the time of day onto the calendar date of t in location loc.
func (tod TimeOfDay) At(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), tod.Hour, tod.Minute, 0, 0, loc)
}

// NewTradingCalendar creates a TradingCalendar for the given session window.
// tz is an IANA timezone name; weekdays lists the trading days (empty means
// Monday through Friday); holidays are YYYY-MM-DD dates in that timezone.
func NewTradingCalendar(tz string, open, close TimeOfDay, weekdays []time.Weekday, holidays []string) (*TradingCalendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}

	days := make(map[time.Weekday]bool)
	if len(weekdays) == 0 {
		for d := time.Monday; d <= time.Friday; d++ {
			days[d] = true
		}
	} else {
		for _, d := range weekdays {
			days[d] = true
		}
	}

	hols := make(map[string]bool, len(holidays))
	for _, h := range holidays {
		if _, err := time.ParseInLocation("2006-01-02", h, loc); err != nil {
			return nil, fmt.Errorf("parsing holiday %q: %w", h, err)
		}
		hols[h] = true
	}

	return &TradingCalendar{
		loc:      loc,
		open:     open,
		close:    close,
		weekdays: days,
		holidays: hols,
	}, nil
}

// Location returns the calendar's timezone.
func (tc *TradingCalendar) Location() *time.Location {
	return tc.loc
}

// IsHoliday reports whether t falls on a configured holiday date.
func (tc *TradingCalendar) IsHoliday(t time.Time) bool {
	return tc.holidays[t.In(tc.loc).Format("2006-01-02")]
}

// IsTradingDay reports whether t falls on a trading weekday that is not a
// holiday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	lt := t.In(tc.loc)
	return tc.weekdays[lt.Weekday()] && !tc.IsHoliday(lt)
}

// IsOpen reports whether the session is open at time t. Sessions that cross
// midnight (open > close, e.g. futures 18:00-17:00) are supported.
func (tc *TradingCalendar) IsOpen(t time.Time) bool {
	lt := t.In(tc.loc)
	open := tc.open.At(lt, tc.loc)
	close := tc.close.At(lt, tc.loc)

	if open.Before(close) || open.Equal(close) {
		if !tc.IsTradingDay(lt) {
			return false
		}
		return !lt.Before(open) && lt.Before(close)
	}

	// Overnight session: the portion after open belongs to today, the
	// portion before close belongs to the previous trading day.
	if !lt.Before(open) {
		return tc.IsTradingDay(lt)
	}
	if lt.Before(close) {
		return tc.IsTradingDay(lt.AddDate(0, 0, -1))
	}
	return false
}

// NextOpen returns the next session open at or after t, skipping holidays
// and non-trading weekdays.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	lt := t.In(tc.loc)
	for i := 0; i < 14; i++ {
		day := lt.AddDate(0, 0, i)
		if !tc.weekdays[day.Weekday()] || tc.IsHoliday(day) {
			continue
		}
		open := tc.open.At(day, tc.loc)
		if !open.Before(lt) {
			return open
		}
	}
	// No trading day configured within two weeks; fall back to tomorrow's
	// open so callers always get a future instant.
	return tc.open.At(lt.AddDate(0, 0, 1), tc.loc)
}

// NextDailyInstant returns the next occurrence of the time of day tod at or
// after t, skipping holiday dates to the following trading day. Used by the
// daily reset scheduler.
func (tc *TradingCalendar) NextDailyInstant(t time.Time, tod TimeOfDay) time.Time {
	lt := t.In(tc.loc)
	candidate := tod.At(lt, tc.loc)
	if candidate.Before(lt) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	for i := 0; i < 14 && tc.IsHoliday(candidate); i++ {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
