// Package staleness decides whether a feed's newest stored observation is
// recent enough for its timeframe.
package staleness

import (
	"time"

	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// IsUpToDate reports whether latest is at or after the threshold for tf.
// Buckets are computed in now's location. A feed with no observations, or
// with an unknown timeframe, is never up to date.
func IsUpToDate(latest *time.Time, tf timeseries.Timeframe, now time.Time) bool {
	if latest == nil {
		return false
	}
	threshold, ok := Threshold(tf, now)
	if !ok {
		return false
	}
	if tf == timeseries.D1 {
		// Daily feeds compare dates, not instants.
		return !startOfDay(latest.In(now.Location())).Before(threshold)
	}
	return !latest.Before(threshold)
}

// Threshold returns the oldest acceptable latest observation for tf at now.
func Threshold(tf timeseries.Timeframe, now time.Time) (time.Time, bool) {
	switch tf {
	case timeseries.M1:
		return startOfMinute(now), true
	case timeseries.H1:
		return startOfHour(now), true
	case timeseries.D1:
		return startOfDay(now).AddDate(0, 0, -1), true
	case timeseries.W1:
		return startOfWeek(now), true
	case timeseries.MN1:
		return startOfMonth(now).AddDate(0, -1, 0), true
	case timeseries.Q:
		return startOfQuarter(now).AddDate(0, -3, 0), true
	case timeseries.Y:
		return startOfYear(now).AddDate(-1, 0, 0), true
	default:
		return time.Time{}, false
	}
}

func startOfMinute(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, t.Location())
}

func startOfHour(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Weeks start on Monday.
func startOfWeek(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return startOfDay(t).AddDate(0, 0, -offset)
}

func startOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func startOfQuarter(t time.Time) time.Time {
	m := time.Month((int(t.Month())-1)/3*3 + 1)
	return time.Date(t.Year(), m, 1, 0, 0, 0, 0, t.Location())
}

func startOfYear(t time.Time) time.Time {
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, t.Location())
}
