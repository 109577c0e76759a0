package schedule

import (
	"fmt"
	"time"
)

// maxScanDays bounds the day-by-day search of calendar schedules.
const maxScanDays = 5 * 366

// TimeOfDay is a wall-clock time within a day.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On returns the instant of t on the calendar day of day.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Window repeats a daily trigger every Interval from the schedule's time of day until Until.
type Window struct {
	Interval time.Duration
	Until    TimeOfDay
}

// calendar triggers on matching days, once at a time of day or repeatedly within a window.
type calendar struct {
	loc    *time.Location
	at     TimeOfDay
	window *Window
	match  func(day time.Time) bool
}

func (c calendar) Next(notBefore, lastRun time.Time) (time.Time, bool) {
	lower := lowerBound(notBefore, lastRun).In(c.loc)
	y, m, d := lower.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, c.loc)
	for i := 0; i < maxScanDays; i++ {
		if c.match(day) {
			if t, ok := c.slot(day, lower); ok {
				return t, true
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, false
}

// slot returns the first trigger on day that is not before lower.
func (c calendar) slot(day, lower time.Time) (time.Time, bool) {
	start := c.at.On(day)
	if c.window == nil || c.window.Interval <= 0 {
		if start.Before(lower) {
			return time.Time{}, false
		}
		return start, true
	}
	stop := c.window.Until.On(day)
	if stop.Before(start) {
		return time.Time{}, false
	}
	t := start
	if t.Before(lower) {
		steps := (lower.Sub(start) + c.window.Interval - 1) / c.window.Interval
		t = start.Add(steps * c.window.Interval)
	}
	if t.After(stop) {
		return time.Time{}, false
	}
	return t, true
}

// Daily triggers every day at a time of day, optionally repeating within a window.
func Daily(loc *time.Location, at TimeOfDay, window *Window) Algorithm {
	return calendar{loc: loc, at: at, window: window, match: func(time.Time) bool { return true }}
}

// Weekly triggers on the given weekdays.
func Weekly(loc *time.Location, days []time.Weekday, at TimeOfDay, window *Window) Algorithm {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return calendar{loc: loc, at: at, window: window, match: func(day time.Time) bool {
		return set[day.Weekday()]
	}}
}

// Monthly triggers on the given days of the month. Days a month does not have are skipped.
func Monthly(loc *time.Location, days []int, at TimeOfDay, window *Window) Algorithm {
	set := make(map[int]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return calendar{loc: loc, at: at, window: window, match: func(day time.Time) bool {
		return set[day.Day()]
	}}
}

// Once triggers a single time, at the next occurrence of the time of day.
func Once(loc *time.Location, at TimeOfDay) Algorithm {
	daily := Daily(loc, at, nil)
	return Func(func(notBefore, lastRun time.Time) (time.Time, bool) {
		if !lastRun.IsZero() {
			return time.Time{}, false
		}
		return daily.Next(notBefore, lastRun)
	})
}

// Date triggers a single time at a fixed instant. A missed instant triggers as soon as possible.
func Date(at time.Time) Algorithm {
	return Func(func(notBefore, lastRun time.Time) (time.Time, bool) {
		if !lastRun.IsZero() && !lastRun.Before(at) {
			return time.Time{}, false
		}
		if at.Before(notBefore) {
			return notBefore, true
		}
		return at, true
	})
}
