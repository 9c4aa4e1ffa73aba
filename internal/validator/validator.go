package validator

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/inverter-telemetry-worker/tools/timeparser"
)

// ValidationResult holds validation outcome
type ValidationResult struct {
	IsValid       bool
	Fresh         bool
	AnomalyReason string
}

// Sample represents a single raw series point as reported by the inverter API
type Sample struct {
	Label string
	Time  string
	Value string
}

// Bounds restricts the accepted value range for a label
type Bounds struct {
	Min float64
	Max float64
}

// Validator handles sample validation with configurable parameters
type Validator struct {
	freshness time.Duration
	location  *time.Location
	bounds    map[string]Bounds
}

// NewValidator creates a new validator. Samples older than freshness relative
// to the fetch time are accepted but flagged as not fresh.
func NewValidator(freshness time.Duration, loc *time.Location, bounds map[string]Bounds) *Validator {
	if loc == nil {
		loc = time.UTC
	}
	return &Validator{
		freshness: freshness,
		location:  loc,
		bounds:    bounds,
	}
}

// ValidateSample validates a single series point
func (v *Validator) ValidateSample(sample Sample, fetchedAt time.Time) (float64, time.Time, ValidationResult) {
	result := ValidationResult{IsValid: true}

	if sample.Label == "" {
		result.IsValid = false
		result.AnomalyReason = "empty series label"
		return 0, time.Time{}, result
	}

	// Strip square brackets if present
	dataValue := strings.TrimSpace(strings.Trim(sample.Value, "[]"))
	value, err := strconv.ParseFloat(dataValue, 64)
	if err != nil {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("invalid sample value: %v", err)
		return 0, time.Time{}, result
	}

	if value < 0 {
		result.IsValid = false
		result.AnomalyReason = "negative value detected"
		return value, time.Time{}, result
	}

	if b, ok := v.bounds[sample.Label]; ok && (value < b.Min || value > b.Max) {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("value %.2f outside [%.2f, %.2f]", value, b.Min, b.Max)
		return value, time.Time{}, result
	}

	readingTime, err := timeparser.ParseVendorTimestamp(sample.Time, v.location)
	if err != nil {
		readingTime, err = timeparser.ParseClock(sample.Time, fetchedAt, v.location)
	}
	if err != nil {
		result.IsValid = false
		result.AnomalyReason = fmt.Sprintf("invalid timestamp format: %v", err)
		return value, time.Time{}, result
	}

	result.Fresh = timeparser.IsWithinTolerance(readingTime, fetchedAt, v.freshness)
	return value, readingTime, result
}
