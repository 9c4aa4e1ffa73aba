package telemetry

import (
	"time"
)

// RawReading is the latest sample obtained for one site in one fetch.
type RawReading struct {
	SiteID    string
	Timestamp time.Time
	// FetchedAt is when the worker received the sample.
	FetchedAt time.Time
	HasSOC    bool
	SOC       float64
	VBat      float64
	VBMS      float64
	// HasVoltage is false when the inverter reported no battery or BMS voltage series.
	HasVoltage bool
	// Fresh reports whether Timestamp was close enough to the fetch time to be
	// considered live data rather than a cached vendor value.
	Fresh bool
	// Day summarizes every valid SOC sample of the series the reading came from.
	Day DaySummary
}

// DaySummary holds the SOC extrema of one day's vendor series
type DaySummary struct {
	Date   Date
	HasSOC bool
	LowSOC float64
	LowAt  time.Time
	MaxSOC float64
	MaxAt  time.Time
}

// Observe folds one SOC sample into the summary
func (d *DaySummary) Observe(soc float64, at time.Time) {
	if !d.HasSOC || soc < d.LowSOC {
		d.LowSOC, d.LowAt = soc, at
	}
	if !d.HasSOC || soc > d.MaxSOC {
		d.MaxSOC, d.MaxAt = soc, at
	}
	d.HasSOC = true
}

// Date is a calendar day in the process-wide reference time zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t, time.UTC), nil
}

// IsZero reports whether d is the zero date.
func (d Date) IsZero() bool {
	return d == Date{}
}

// AddDays returns d shifted by n days.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC), time.UTC)
}

// Start returns midnight of d in loc.
func (d Date) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Start(time.UTC).Format(time.DateOnly)
}
