// Package timewin computes the rolling and calendar windows used by cost
// quotas. All calendar windows are anchored in a configured IANA timezone,
// never the host timezone.
package timewin

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	relay "github.com/llmrelay/llmrelay/internal"
)

// Period identifies a quota window.
type Period string

const (
	Period5h      Period = "5h"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	// PeriodTotal is the lifetime window: no start, no reset, no TTL.
	PeriodTotal Period = "total"
)

// DefaultTimezone anchors calendar windows when TZ is not configured.
const DefaultTimezone = "Asia/Shanghai"

// Range is a concrete time window. ResetAt is zero for rolling windows,
// which have no fixed reset point.
type Range struct {
	Start   time.Time
	End     time.Time
	ResetAt time.Time
}

// Clock computes windows in a fixed location. The now func is swappable
// for tests.
type Clock struct {
	loc *time.Location
	now func() time.Time
}

// New returns a Clock for the given IANA timezone name. An empty or
// unloadable name falls back to DefaultTimezone, then UTC.
func New(tz string) *Clock {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc, err = time.LoadLocation(DefaultTimezone)
		if err != nil {
			loc = time.UTC
		}
	}
	return &Clock{loc: loc, now: time.Now}
}

// NewAt returns a Clock with a fixed now func, for tests.
func NewAt(tz string, now func() time.Time) *Clock {
	c := New(tz)
	c.now = now
	return c
}

// Location returns the clock's timezone.
func (c *Clock) Location() *time.Location { return c.loc }

// Now returns the current time in the clock's timezone.
func (c *Clock) Now() time.Time { return c.now().In(c.loc) }

// Range returns the active window for the period. resetTime ("HH:MM") and
// mode apply to the daily period only.
func (c *Clock) Range(p Period, resetTime string, mode relay.DailyResetMode) Range {
	now := c.now().In(c.loc)
	switch p {
	case Period5h:
		return Range{Start: now.Add(-5 * time.Hour), End: now}
	case PeriodDaily:
		if mode == relay.DailyResetRolling {
			return Range{Start: now.Add(-24 * time.Hour), End: now}
		}
		return c.dailyFixed(now, resetTime)
	case PeriodWeekly:
		return c.isoWeek(now)
	case PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, c.loc)
		reset := start.AddDate(0, 1, 0)
		return Range{Start: start, End: now, ResetAt: reset}
	case PeriodTotal:
		return Range{End: now}
	default:
		return Range{Start: now.Add(-24 * time.Hour), End: now}
	}
}

// TTL returns how long a counter for the window should live: time until the
// reset for calendar windows, the window length for rolling ones.
func (c *Clock) TTL(p Period, resetTime string, mode relay.DailyResetMode) time.Duration {
	r := c.Range(p, resetTime, mode)
	if r.ResetAt.IsZero() {
		switch p {
		case Period5h:
			return 5 * time.Hour
		case PeriodTotal:
			return 0
		default:
			return 24 * time.Hour
		}
	}
	ttl := r.ResetAt.Sub(c.now())
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// ResetInfo returns the next reset timestamp for the window, or the zero
// time when the window is rolling.
func (c *Clock) ResetInfo(p Period, resetTime string, mode relay.DailyResetMode) time.Time {
	return c.Range(p, resetTime, mode).ResetAt
}

// SecondsUntilMidnight returns the seconds remaining until 00:00 in the
// configured timezone.
func (c *Clock) SecondsUntilMidnight() int64 {
	now := c.now().In(c.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, 1)
	return int64(midnight.Sub(now).Seconds())
}

// MinuteKey returns the yyyymmddhhmm bucket key for RPM counters.
func (c *Clock) MinuteKey() string {
	return c.now().In(c.loc).Format("200601021504")
}

// dailyFixed anchors the window at today's HH:MM if now has passed it,
// otherwise at yesterday's. Reset is the next HH:MM.
func (c *Clock) dailyFixed(now time.Time, resetTime string) Range {
	h, m := NormalizeResetTime(resetTime)
	anchor := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, c.loc)
	if now.Before(anchor) {
		anchor = anchor.AddDate(0, 0, -1)
	}
	return Range{Start: anchor, End: now, ResetAt: anchor.AddDate(0, 0, 1)}
}

// isoWeek returns the window from Monday 00:00 of the current ISO week.
func (c *Clock) isoWeek(now time.Time) Range {
	wd := int(now.Weekday())
	if wd == 0 {
		wd = 7 // Sunday is day 7 in ISO-8601
	}
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.loc).AddDate(0, 0, -(wd - 1))
	return Range{Start: start, End: now, ResetAt: start.AddDate(0, 0, 7)}
}

// NormalizeResetTime parses "HH:MM", falling back to 00:00 for anything
// malformed or out of range.
func NormalizeResetTime(s string) (hour, minute int) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0
	}
	h, err1 := strconv.Atoi(strings.TrimSpace(hh))
	m, err2 := strconv.Atoi(strings.TrimSpace(mm))
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0
	}
	return h, m
}

// FormatResetTime renders a normalized "HH:MM" string.
func FormatResetTime(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}
