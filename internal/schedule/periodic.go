package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Periodic triggers every interval after the last run. The first trigger is
// anchor, or notBefore when anchor is zero.
func Periodic(interval time.Duration, anchor time.Time) Algorithm {
	return Func(func(notBefore, lastRun time.Time) (time.Time, bool) {
		if interval <= 0 {
			return time.Time{}, false
		}
		next := anchor
		if !lastRun.IsZero() {
			next = lastRun.Add(interval)
		}
		if next.Before(notBefore) {
			next = notBefore
		}
		return next, true
	})
}

// CronParser accepts standard five-field expressions with an optional leading
// seconds field and descriptors such as @daily.
var CronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type cronSchedule struct {
	spec cron.Schedule
	loc  *time.Location
}

// Cron triggers according to a cron expression evaluated in loc.
func Cron(expr string, loc *time.Location) (Algorithm, error) {
	spec, err := CronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return cronSchedule{spec: spec, loc: loc}, nil
}

func (c cronSchedule) Next(notBefore, lastRun time.Time) (time.Time, bool) {
	lower := lowerBound(notBefore, lastRun).In(c.loc)
	// cron.Schedule.Next is strictly after its argument at second granularity.
	next := c.spec.Next(lower.Add(-time.Second))
	for !next.IsZero() && next.Before(lower) {
		next = c.spec.Next(next)
	}
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// Combine evaluates every member and returns the earliest trigger.
func Combine(members ...Algorithm) Algorithm {
	switch len(members) {
	case 0:
		return Never
	case 1:
		return members[0]
	}
	return combination(members)
}

type combination []Algorithm

func (c combination) Next(notBefore, lastRun time.Time) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, m := range c {
		t, ok := m.Next(notBefore, lastRun)
		if !ok {
			continue
		}
		if !found || t.Before(best) {
			best, found = t, true
		}
	}
	return best, found
}
