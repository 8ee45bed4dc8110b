package domain

import (
	"math"
	"time"
)

// DefaultLateAfter is how long after observation a reading may arrive before it is late.
const DefaultLateAfter = 24 * time.Hour

// HourBucket truncates t to the hour in UTC. Returns zero time if the input is zero.
func HourBucket(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}

	return t.UTC().Truncate(time.Hour)
}

// IsLate reports whether ingestedAt is strictly more than lateAfter past observedAt.
func IsLate(observedAt, ingestedAt time.Time, lateAfter time.Duration) bool {
	return ingestedAt.Sub(observedAt) > lateAfter
}

// MinutesSince returns the minutes elapsed from t to now, rounded to two decimals.
func MinutesSince(now, t time.Time) float64 {
	return math.Round(now.Sub(t).Minutes()*100) / 100
}

// PickHourIndex selects the first timestamp at or after now, falling back to
// the last one when all are in the past. Returns -1 for an empty series.
func PickHourIndex(times []time.Time, now time.Time) int {
	if len(times) == 0 {
		return -1
	}
	for i, t := range times {
		if !t.Before(now) {
			return i
		}
	}
	return len(times) - 1
}
