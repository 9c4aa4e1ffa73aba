package site

// Site is one monitored installation. Values are immutable after the registry loads.
type Site struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	InverterSerial string `json:"inverter_serial,omitempty"`
	// Priority orders dispatch within a cycle; lower numbers go first.
	Priority       int  `json:"priority"`
	MonitorSOC     bool `json:"monitor_soc"`
	MonitorVoltage bool `json:"monitor_voltage"`
}

// WithSerial returns a copy of s carrying the resolved inverter serial.
func (s Site) WithSerial(serial string) Site {
	if serial != "" {
		s.InverterSerial = serial
	}
	return s
}
