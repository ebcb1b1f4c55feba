// Package clock is the time seam for the dispatch core.
//
// All components take a Clock instead of calling time.Now directly so tests
// can drive time with juju's testclock. Interval math in sleeping loops uses
// the monotonic reading carried by time.Time, which is immune to wall-clock
// jumps.
package clock

import (
	"time"

	jujuclock "github.com/juju/clock"
)

// Clock is the time source used by the dispatch core.
type Clock = jujuclock.Clock

// WallClock is the default Clock backed by the system time.
var WallClock Clock = jujuclock.WallClock

// NowUTC returns the clock's current time in UTC, truncated to millisecond
// resolution. Every persisted timestamp goes through this so row comparisons
// behave identically across sqlite and postgres column precision.
func NowUTC(c Clock) time.Time {
	if c == nil {
		c = WallClock
	}
	return c.Now().UTC().Truncate(time.Millisecond)
}

// ToUTC normalizes an externally supplied instant the same way NowUTC does.
func ToUTC(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
