package scheduler

import "time"

// aligned reports whether t falls on a timeframe boundary: the minute of the
// day is a multiple of timeFrame.
func aligned(t time.Time, timeFrame int) bool {
	minuteOfDay := t.Hour()*60 + t.Minute()
	return minuteOfDay%timeFrame == 0
}

// NextTick returns the first boundary b with b+delay strictly after now.
// Boundaries are whole minutes in loc whose minute of day is a multiple of
// timeFrame.
func NextTick(now time.Time, timeFrame int, delay time.Duration, loc *time.Location) time.Time {
	if timeFrame <= 0 {
		timeFrame = 1
	}
	if loc == nil {
		loc = time.UTC
	}
	b := now.Add(-delay).In(loc).Truncate(time.Minute)
	// A day always has an aligned minute (midnight), so this terminates.
	for i := 0; i <= 24*60; i++ {
		if aligned(b, timeFrame) && b.Add(delay).After(now) {
			return b
		}
		b = b.Add(time.Minute)
	}
	return b
}

// missedTicks counts the boundaries after tick whose fire time is not after now
func missedTicks(tick, now time.Time, timeFrame int, delay time.Duration, loc *time.Location) int {
	n := 0
	for b := NextTick(tick.Add(delay), timeFrame, delay, loc); !b.Add(delay).After(now); b = NextTick(b.Add(delay), timeFrame, delay, loc) {
		n++
	}
	return n
}
