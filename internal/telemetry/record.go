package telemetry

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the derived connectivity state of a site.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// PublishRecord is one sink row: a snapshot of a site's metric state plus its identity.
type PublishRecord struct {
	SiteID         string    `json:"site_id"`
	SiteName       string    `json:"site_name"`
	InverterSerial string    `json:"inverter_serial"`
	Priority       int       `json:"priority"`
	Status         Status    `json:"status"`
	LastSeen       time.Time `json:"last_seen,omitempty"`
	DataFresh      bool      `json:"data_fresh"`

	HasSOC     bool      `json:"has_soc"`
	LowestSOC  float64   `json:"lowest_soc"`
	LowestAt   time.Time `json:"lowest_at,omitempty"`
	CurrentSOC float64   `json:"current_soc"`
	CurrentAt  time.Time `json:"current_at,omitempty"`

	HasVoltage  bool            `json:"has_voltage"`
	VBat        decimal.Decimal `json:"v_bat"`
	VBMS        decimal.Decimal `json:"v_bms"`
	VoltageDiff decimal.Decimal `json:"voltage_diff"`
	VoltageAt   time.Time       `json:"voltage_at,omitempty"`

	MaxVoltageDiff   decimal.Decimal `json:"max_voltage_diff"`
	MaxVoltageDiffAt time.Time       `json:"max_voltage_diff_at,omitempty"`

	YesterdayMaxSOC *float64 `json:"yesterday_max_soc,omitempty"`
}

// VoltageDifferential returns vBat - vBMS without binary floating point drift.
func VoltageDifferential(vBat, vBMS float64) decimal.Decimal {
	return decimal.NewFromFloat(vBat).Sub(decimal.NewFromFloat(vBMS))
}

// Columns is the sink header, in row order.
var Columns = []string{
	"Site Name",
	"Inverter SN",
	"Lowest SOC",
	"Lowest Time",
	"Current SOC",
	"Current Time",
	"V-bat",
	"V-BMS",
	"V-Diff",
	"Voltage Time",
	"Yesterday Max SOC",
	"Status",
}

const notAvailable = "N/A"

// Row renders the record using the sink's display precision.
func (r PublishRecord) Row(loc *time.Location) []string {
	row := make([]string, 0, len(Columns))
	row = append(row, r.SiteName, r.InverterSerial)

	if r.HasSOC {
		row = append(row,
			formatPercent(r.LowestSOC), clock(r.LowestAt, loc),
			formatPercent(r.CurrentSOC), clock(r.CurrentAt, loc))
	} else {
		row = append(row, string(StatusOffline), "", string(StatusOffline), "")
	}

	if r.HasVoltage {
		row = append(row,
			r.VBat.StringFixed(2), r.VBMS.StringFixed(2), r.VoltageDiff.StringFixed(2),
			clock(r.VoltageAt, loc))
	} else {
		row = append(row, notAvailable, notAvailable, notAvailable, "")
	}

	if r.YesterdayMaxSOC != nil {
		row = append(row, fmt.Sprintf("%.1f%%", *r.YesterdayMaxSOC))
	} else {
		row = append(row, notAvailable)
	}

	return append(row, string(r.Status))
}

func formatPercent(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func clock(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format("15:04")
}
