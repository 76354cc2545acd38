// Package util contains misc internal utilities.
package util

import "time"

// TimeFormat is the timestamp layout used in frame and scan metadata.
// ISO-8601 with microsecond resolution, local time.
const TimeFormat = "2006-01-02T15:04:05.000000"

// Now returns the current time formatted with TimeFormat.
func Now() string {
	return time.Now().Format(TimeFormat)
}

// Clamp returns v bounded to the range lo <= v <= hi
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SecsToDuration converts a floating point number of seconds to a Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * 1e9 * float64(time.Nanosecond))
}
