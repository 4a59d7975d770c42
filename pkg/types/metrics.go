package types

import (
	"fmt"
	"strconv"
)

const (
	// MaxLoadpoints is the number of loadpoints a Metrics record holds.
	MaxLoadpoints = 2

	// SocUnknown marks a state of charge the device did not report.
	SocUnknown = -1
)

// Loadpoint is the charging state of a single evcc loadpoint.
type Loadpoint struct {
	ChargePower int64 `json:"chargePower"`
	Soc         int   `json:"soc"`
	Charging    bool  `json:"charging"`
	Plugged     bool  `json:"plugged"`
}

// DefaultLoadpoint returns a loadpoint with no power and an unknown SOC.
func DefaultLoadpoint() Loadpoint {
	return Loadpoint{Soc: SocUnknown}
}

// Metrics is the set of power values extracted from one evcc state document.
// Power values are in watts. GridPower is positive when importing.
type Metrics struct {
	GridPower        int64                    `json:"gridPower"`
	PVPower          int64                    `json:"pvPower"`
	BatterySoc       int                      `json:"batterySoc"`
	TotalChargePower int64                    `json:"totalChargePower"`
	Count            int                      `json:"count"`
	Loadpoints       [MaxLoadpoints]Loadpoint `json:"loadpoints"`
}

// NewMetrics returns an empty record with every SOC set to SocUnknown.
func NewMetrics() Metrics {
	m := Metrics{BatterySoc: SocUnknown}
	for i := range m.Loadpoints {
		m.Loadpoints[i] = DefaultLoadpoint()
	}
	return m
}

// AddLoadpoint appends lp and adds its charge power to the total. It returns
// false without modifying m once MaxLoadpoints entries are held.
func (m *Metrics) AddLoadpoint(lp Loadpoint) bool {
	if m.Count >= MaxLoadpoints {
		return false
	}
	m.Loadpoints[m.Count] = lp
	m.Count++
	m.TotalChargePower += lp.ChargePower
	return true
}

// Active returns the populated loadpoints.
func (m Metrics) Active() []Loadpoint {
	lps := make([]Loadpoint, m.Count)
	copy(lps, m.Loadpoints[:m.Count])
	return lps
}

// HousePower estimates household consumption from the grid/PV balance minus
// what the loadpoints draw. It never goes below zero.
func (m Metrics) HousePower() int64 {
	return max(0, m.GridPower+m.PVPower-m.TotalChargePower)
}

// BatteryPower estimates home battery power from the grid balance. Positive
// means charging.
func (m Metrics) BatteryPower() int64 {
	return -(m.GridPower - m.TotalChargePower)
}

// Validate checks the invariants of a decoded record.
func (m Metrics) Validate() error {
	if m.Count < 0 || m.Count > MaxLoadpoints {
		return fmt.Errorf("invalid loadpoint count: %d", m.Count)
	}
	if !ValidSoc(m.BatterySoc) {
		return fmt.Errorf("invalid battery soc: %d", m.BatterySoc)
	}
	var total int64
	for i, lp := range m.Loadpoints[:m.Count] {
		if !ValidSoc(lp.Soc) {
			return fmt.Errorf("invalid soc on loadpoint %d: %d", i, lp.Soc)
		}
		total += lp.ChargePower
	}
	if total != m.TotalChargePower {
		return fmt.Errorf("total charge power %d does not match loadpoints sum %d", m.TotalChargePower, total)
	}
	return nil
}

// ValidSoc reports whether soc is a percentage or SocUnknown.
func ValidSoc(soc int) bool {
	return soc == SocUnknown || (soc >= 0 && soc <= 100)
}

// FormatPower renders watts compactly for small displays: "850W", "1.2k" or
// "12k". The sign is dropped.
func FormatPower(w int64) string {
	if w < 0 {
		w = -w
	}
	switch {
	case w < 1000:
		return strconv.FormatInt(w, 10) + "W"
	case w < 10000:
		return strconv.FormatFloat(float64(w)/1000, 'f', 1, 64) + "k"
	default:
		return strconv.FormatInt(w/1000, 10) + "k"
	}
}
