package validity

import (
	"context"
	"time"
)

// Record is the memoized outcome of a site check
type Record struct {
	Valid          bool      `json:"valid"`
	CheckedAt      time.Time `json:"checked_at"`
	InverterSerial string    `json:"inverter_serial,omitempty"`
	// Stale is set when the last check failed and Valid is a carried-over value.
	Stale bool `json:"stale"`
}

// TrustedAt reports whether the record was checked at or after boundary
func (r Record) TrustedAt(boundary time.Time) bool {
	return !r.CheckedAt.IsZero() && !r.CheckedAt.Before(boundary)
}

// RefreshBoundary returns the most recent daily refresh instant at or before
// now: today at hour in loc, or yesterday at hour if that has not passed yet.
func RefreshBoundary(now time.Time, hour int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	b := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if local.Before(b) {
		b = time.Date(local.Year(), local.Month(), local.Day()-1, hour, 0, 0, 0, loc)
	}
	return b
}

// Store persists records across restarts
type Store interface {
	LoadValidity(ctx context.Context) (map[string]Record, error)
	SaveValidity(ctx context.Context, records map[string]Record) error
}

// NopStore keeps nothing
type NopStore struct{}

func (NopStore) LoadValidity(context.Context) (map[string]Record, error) { return nil, nil }

func (NopStore) SaveValidity(context.Context, map[string]Record) error { return nil }
