// Package marketdata fetches bar series for strategies.
package marketdata

import (
	"context"
	"errors"
	"time"

	"github.com/trogers1052/autotrade/internal/models"
)

// ErrTransient marks failures worth retrying (timeouts, rate limits, 5xx)
var ErrTransient = errors.New("transient market data failure")

// Request describes the bar series one strategy cycle needs
type Request struct {
	Symbol        string
	TimeFrame     int // minutes per bar
	LookbackDays  int
	ExtendedHours bool
	// End excludes bars whose bucket has not closed by this time. Zero means no cut-off.
	End time.Time
	// Location anchors buckets to its local midnight. Nil means UTC.
	Location *time.Location
}

// Source returns bars at the requested timeframe, oldest first
type Source interface {
	Fetch(ctx context.Context, req Request) ([]models.Bar, error)
}

// bucketStart returns the start of the bucket holding t. Buckets restart at
// local midnight in loc and cover minutes of wall-clock time, so a timeframe
// that does not divide a day leaves a short last bucket.
func bucketStart(t time.Time, minutes int, loc *time.Location) time.Time {
	lt := t.In(loc)
	minuteOfDay := lt.Hour()*60 + lt.Minute()
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, minuteOfDay/minutes*minutes, 0, 0, loc)
}

// bucketEnd returns when the bucket starting at start closes
func bucketEnd(start time.Time, minutes int, loc *time.Location) time.Time {
	ls := start.In(loc)
	end := ls.Hour()*60 + ls.Minute() + minutes
	if end > 24*60 {
		end = 24 * 60
	}
	return time.Date(ls.Year(), ls.Month(), ls.Day(), 0, end, 0, 0, loc)
}

// Aggregate rolls 1-minute bars up into buckets of the given size aligned to
// multiples of minutes since local midnight in loc (UTC when nil). Open is the
// first open, High the max, Low the min, Close the last close and Volume the
// sum. A leading bucket that starts after its boundary is incomplete and dropped.
func Aggregate(bars []models.Bar, minutes int, loc *time.Location) []models.Bar {
	if minutes <= 1 || len(bars) == 0 {
		return bars
	}
	if loc == nil {
		loc = time.UTC
	}

	var out []models.Bar
	var cur *models.Bar
	var partial time.Time
	for i, b := range bars {
		start := bucketStart(b.Time, minutes, loc)
		if i == 0 && !b.Time.Equal(start) {
			partial = start
		}
		if !partial.IsZero() && start.Equal(partial) {
			continue
		}
		if cur != nil && cur.Time.Equal(start) {
			if b.High.GreaterThan(cur.High) {
				cur.High = b.High
			}
			if b.Low.LessThan(cur.Low) {
				cur.Low = b.Low
			}
			cur.Close = b.Close
			cur.Volume += b.Volume
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		nb := b
		nb.Time = start
		cur = &nb
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// closedBefore drops buckets that have not finished by end
func closedBefore(bars []models.Bar, minutes int, end time.Time, loc *time.Location) []models.Bar {
	if end.IsZero() {
		return bars
	}
	if loc == nil {
		loc = time.UTC
	}
	n := len(bars)
	for n > 0 && bucketEnd(bars[n-1].Time, minutes, loc).After(end) {
		n--
	}
	return bars[:n]
}
