package anomaly

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Detector flags battery readings whose voltage differential is abnormal
type Detector struct {
	diffThreshold decimal.Decimal
}

// NewDetector creates a new detector. A non-positive threshold disables alerts.
func NewDetector(diffThreshold float64) *Detector {
	return &Detector{
		diffThreshold: decimal.NewFromFloat(diffThreshold),
	}
}

// CheckVoltageDiff reports whether the absolute V-bat/V-BMS differential
// exceeds the configured threshold
func (d *Detector) CheckVoltageDiff(vBat, vBMS, diff decimal.Decimal) (bool, string) {
	if vBat.IsNegative() || vBMS.IsNegative() {
		return true, "negative voltage"
	}

	if !d.diffThreshold.IsPositive() {
		return false, ""
	}

	if diff.Abs().GreaterThan(d.diffThreshold) {
		return true, fmt.Sprintf("voltage differential %sV exceeds %sV",
			diff.StringFixed(2), d.diffThreshold.StringFixed(2))
	}

	return false, ""
}
