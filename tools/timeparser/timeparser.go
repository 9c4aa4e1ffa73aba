package timeparser

import (
	"fmt"
	"time"
)

// ParseVendorTimestamp parses an inverter record timestamp in loc, trying the
// layouts the vendor API has been seen to emit.
func ParseVendorTimestamp(dateStr string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}

	formats := []string{
		time.DateTime,         // YYYY-MM-DD HH:mm:ss
		"2006-01-02 15:04",    // YYYY-MM-DD HH:mm
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
		time.RFC3339,          // Standard RFC3339
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.ParseInLocation(format, dateStr, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// ParseClock parses an HH:mm or HH:mm:ss record time and places it on day in loc.
// Some vendor series only carry the time of day.
func ParseClock(clock string, day time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	day = day.In(loc)

	for _, format := range []string{time.TimeOnly, "15:04"} {
		t, err := time.ParseInLocation(format, clock, loc)
		if err == nil {
			return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse clock time '%s'", clock)
}

// IsWithinTolerance checks if the reading timestamp is within tolerance of the fetch time
func IsWithinTolerance(readingTime, fetchedAt time.Time, tolerance time.Duration) bool {
	diff := readingTime.Sub(fetchedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
