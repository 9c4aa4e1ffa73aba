package timeparser_test

import (
	"testing"
	"time"

	"github.com/septivank/inverter-telemetry-worker/tools/timeparser"
)

var sast = time.FixedZone("SAST", 2*60*60)

func TestParseVendorTimestamp_DateTime(t *testing.T) {
	result, err := timeparser.ParseVendorTimestamp("2025-12-29 10:30:45", sast)
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, sast)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseVendorTimestamp_WithoutSeconds(t *testing.T) {
	result, err := timeparser.ParseVendorTimestamp("2025-12-29 10:30", sast)
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 0, 0, sast)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseVendorTimestamp_RFC3339IgnoresLocation(t *testing.T) {
	result, err := timeparser.ParseVendorTimestamp("2025-12-29T10:30:45Z", sast)
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseVendorTimestamp_Invalid(t *testing.T) {
	_, err := timeparser.ParseVendorTimestamp("invalid-date-string", sast)
	if err == nil {
		t.Error("Expected error for invalid timestamp")
	}
}

func TestParseClock(t *testing.T) {
	day := time.Date(2025, 12, 29, 23, 0, 0, 0, sast)

	result, err := timeparser.ParseClock("08:15", day, sast)
	if err != nil {
		t.Fatalf("Failed to parse clock: %v", err)
	}

	expected := time.Date(2025, 12, 29, 8, 15, 0, 0, sast)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}

	if _, err := timeparser.ParseClock("8h15", day, sast); err == nil {
		t.Error("Expected error for invalid clock time")
	}
}

func TestIsWithinTolerance_WithinRange(t *testing.T) {
	readingTime := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	fetchedAt := time.Date(2025, 12, 29, 10, 33, 0, 0, time.UTC) // 3 minutes later

	if !timeparser.IsWithinTolerance(readingTime, fetchedAt, 5*time.Minute) {
		t.Error("Expected timestamp to be within tolerance")
	}
}

func TestIsWithinTolerance_OutsideRange(t *testing.T) {
	readingTime := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	fetchedAt := time.Date(2025, 12, 29, 10, 36, 0, 0, time.UTC) // 6 minutes later

	if timeparser.IsWithinTolerance(readingTime, fetchedAt, 5*time.Minute) {
		t.Error("Expected timestamp to be outside tolerance")
	}
}

func TestIsWithinTolerance_NegativeDifference(t *testing.T) {
	readingTime := time.Date(2025, 12, 29, 10, 35, 0, 0, time.UTC)
	fetchedAt := time.Date(2025, 12, 29, 10, 32, 0, 0, time.UTC) // 3 minutes before

	if !timeparser.IsWithinTolerance(readingTime, fetchedAt, 5*time.Minute) {
		t.Error("Expected timestamp to be within tolerance (negative difference)")
	}
}

func TestIsWithinTolerance_ExactBoundary(t *testing.T) {
	readingTime := time.Date(2025, 12, 29, 10, 30, 0, 0, time.UTC)
	fetchedAt := time.Date(2025, 12, 29, 10, 35, 0, 0, time.UTC) // Exactly 5 minutes

	if !timeparser.IsWithinTolerance(readingTime, fetchedAt, 5*time.Minute) {
		t.Error("Expected timestamp at exact boundary to be within tolerance")
	}
}
