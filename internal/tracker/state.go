package tracker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/septivank/inverter-telemetry-worker/internal/telemetry"
)

// SiteState is the aggregated metric state of one site. Today's fields cover
// readings since the last rollover.
type SiteState struct {
	HasSOC     bool      `json:"has_soc"`
	CurrentSOC float64   `json:"current_soc"`
	CurrentAt  time.Time `json:"current_at"`
	TodayLow   float64   `json:"today_low"`
	TodayLowAt time.Time `json:"today_low_at"`
	TodayMax   float64   `json:"today_max"`
	TodayMaxAt time.Time `json:"today_max_at"`

	// YesterdayMax is nil when the previous day's peak is unknown.
	YesterdayMax *float64 `json:"yesterday_max,omitempty"`

	HasVoltage       bool            `json:"has_voltage"`
	VBat             float64         `json:"v_bat"`
	VBMS             float64         `json:"v_bms"`
	VoltageAt        time.Time       `json:"voltage_at"`
	MaxVoltageDiff   decimal.Decimal `json:"max_voltage_diff"`
	MaxVoltageDiffAt time.Time       `json:"max_voltage_diff_at"`

	// LastSeen is the newest reading timestamp, not when it was fetched.
	LastSeen  time.Time      `json:"last_seen"`
	DataFresh bool           `json:"data_fresh"`
	RollDate  telemetry.Date `json:"roll_date"`
}

// Roll moves the state to today. Today's peak becomes yesterday's max only
// when the previous roll date is the day before today; any gap leaves
// yesterday unknown. Rolling to the current roll date is a no-op.
func (s SiteState) Roll(today telemetry.Date) SiteState {
	if s.RollDate == today {
		return s
	}

	if s.RollDate == today.AddDays(-1) && s.HasSOC {
		peak := s.TodayMax
		s.YesterdayMax = &peak
	} else {
		s.YesterdayMax = nil
	}

	s.HasSOC = false
	s.TodayLow, s.TodayLowAt = 0, time.Time{}
	s.TodayMax, s.TodayMaxAt = 0, time.Time{}
	s.MaxVoltageDiff, s.MaxVoltageDiffAt = decimal.Zero, time.Time{}
	s.RollDate = today
	return s
}

// SeedYesterday fills an unknown yesterday max from the vendor's summary of
// the day before the roll date. A known value is never replaced.
func (s SiteState) SeedYesterday(sum telemetry.DaySummary) SiteState {
	if s.YesterdayMax != nil || !sum.HasSOC || s.RollDate.IsZero() || sum.Date != s.RollDate.AddDays(-1) {
		return s
	}
	peak := sum.MaxSOC
	s.YesterdayMax = &peak
	return s
}

// Apply folds one reading into the state
func (s SiteState) Apply(r telemetry.RawReading) SiteState {
	// the vendor keeps answering with the last uploaded sample after an
	// inverter goes quiet, so only the sample's own time proves it is alive
	if r.Timestamp.After(s.LastSeen) {
		s.LastSeen = r.Timestamp
	}

	// older samples still count towards extrema but never replace current values
	newest := !r.Timestamp.Before(s.CurrentAt)

	if r.HasSOC {
		if !s.HasSOC || r.SOC < s.TodayLow {
			s.TodayLow, s.TodayLowAt = r.SOC, r.Timestamp
		}
		if !s.HasSOC || r.SOC > s.TodayMax {
			s.TodayMax, s.TodayMaxAt = r.SOC, r.Timestamp
		}
		if !s.HasSOC || newest {
			s.CurrentSOC, s.CurrentAt = r.SOC, r.Timestamp
			s.DataFresh = r.Fresh
		}
		s.HasSOC = true
	}

	// samples from before the worker started, or missed between cycles
	if r.Day.HasSOC && r.Day.Date == s.RollDate && s.HasSOC {
		if r.Day.LowSOC < s.TodayLow {
			s.TodayLow, s.TodayLowAt = r.Day.LowSOC, r.Day.LowAt
		}
		if r.Day.MaxSOC > s.TodayMax {
			s.TodayMax, s.TodayMaxAt = r.Day.MaxSOC, r.Day.MaxAt
		}
	}

	if r.HasVoltage {
		if !s.HasVoltage || !r.Timestamp.Before(s.VoltageAt) {
			s.HasVoltage = true
			s.VBat, s.VBMS, s.VoltageAt = r.VBat, r.VBMS, r.Timestamp
			if !r.HasSOC {
				s.DataFresh = r.Fresh
			}
		}
		diff := telemetry.VoltageDifferential(r.VBat, r.VBMS).Abs()
		if s.MaxVoltageDiffAt.IsZero() || diff.GreaterThan(s.MaxVoltageDiff) {
			s.MaxVoltageDiff, s.MaxVoltageDiffAt = diff, r.Timestamp
		}
	}

	return s
}
