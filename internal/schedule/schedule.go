// Package schedule computes when tasks are due.
//
// Every Algorithm is a pure function of its configuration and the two instants
// passed to Next. A zero lastRun means the task never ran. A false second
// result means the schedule will never trigger again.
package schedule

import (
	"time"
)

// Algorithm computes the next trigger of a schedule.
type Algorithm interface {
	// Next returns the earliest trigger that is not before notBefore and strictly
	// after lastRun, or false if there is none.
	Next(notBefore, lastRun time.Time) (time.Time, bool)
}

// Func adapts a function to an Algorithm.
type Func func(notBefore, lastRun time.Time) (time.Time, bool)

// Next implements Algorithm.
func (f Func) Next(notBefore, lastRun time.Time) (time.Time, bool) {
	return f(notBefore, lastRun)
}

// Never is the schedule of tasks that only run on demand.
var Never Algorithm = Func(func(time.Time, time.Time) (time.Time, bool) {
	return time.Time{}, false
})

// Upcoming lists up to n successive triggers starting at from, assuming every
// trigger is run at its trigger time.
func Upcoming(a Algorithm, from, lastRun time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	for len(out) < n {
		next, ok := a.Next(from, lastRun)
		if !ok {
			break
		}
		out = append(out, next)
		lastRun = next
		from = next
	}
	return out
}

// lowerBound is the earliest instant a trigger may have.
func lowerBound(notBefore, lastRun time.Time) time.Time {
	if !lastRun.IsZero() && !lastRun.Before(notBefore) {
		return lastRun.Add(time.Nanosecond)
	}
	return notBefore
}
