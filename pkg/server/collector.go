package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/raterudder/evccwatch/pkg/types"
)

// Collector implements prometheus.Collector over the latest poller status.
// Values are read at scrape time; nothing is fetched from the device.
type Collector struct {
	status StatusProvider

	gridPower           *prometheus.Desc
	pvPower             *prometheus.Desc
	housePower          *prometheus.Desc
	batterySoc          *prometheus.Desc
	chargePower         *prometheus.Desc
	loadpointSoc        *prometheus.Desc
	loadpointCharging   *prometheus.Desc
	loadpointPlugged    *prometheus.Desc
	scrapeSuccess       *prometheus.Desc
	consecutiveFailures *prometheus.Desc
	dataStale           *prometheus.Desc
	fetchErrors         *prometheus.Desc
}

// NewCollector creates a Collector reading from status.
func NewCollector(status StatusProvider) *Collector {
	return &Collector{
		status: status,
		gridPower: prometheus.NewDesc(
			"evcc_grid_power_watts",
			"Grid power in watts (positive=import, negative=export)",
			nil, nil,
		),
		pvPower: prometheus.NewDesc(
			"evcc_pv_power_watts",
			"PV generation in watts",
			nil, nil,
		),
		housePower: prometheus.NewDesc(
			"evcc_house_power_watts",
			"Estimated household consumption in watts excluding loadpoints",
			nil, nil,
		),
		batterySoc: prometheus.NewDesc(
			"evcc_battery_soc_percent",
			"Home battery state of charge in percent",
			nil, nil,
		),
		chargePower: prometheus.NewDesc(
			"evcc_charge_power_watts",
			"Loadpoint charge power in watts",
			[]string{"loadpoint"}, nil,
		),
		loadpointSoc: prometheus.NewDesc(
			"evcc_loadpoint_soc_percent",
			"Vehicle state of charge at the loadpoint in percent",
			[]string{"loadpoint"}, nil,
		),
		loadpointCharging: prometheus.NewDesc(
			"evcc_loadpoint_charging",
			"Loadpoint is currently charging (1=yes, 0=no)",
			[]string{"loadpoint"}, nil,
		),
		loadpointPlugged: prometheus.NewDesc(
			"evcc_loadpoint_plugged",
			"A vehicle is plugged into the loadpoint (1=yes, 0=no)",
			[]string{"loadpoint"}, nil,
		),
		scrapeSuccess: prometheus.NewDesc(
			"evcc_scrape_success",
			"Whether the last poll of the evcc API was successful",
			nil, nil,
		),
		consecutiveFailures: prometheus.NewDesc(
			"evcc_consecutive_failures",
			"Number of failed polls since the last success",
			nil, nil,
		),
		dataStale: prometheus.NewDesc(
			"evcc_data_stale",
			"Whether the last good evcc state is missing or too old (1=yes, 0=no)",
			nil, nil,
		),
		fetchErrors: prometheus.NewDesc(
			"evcc_fetch_errors_total",
			"Failed polls by reason",
			[]string{"reason"}, nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.gridPower
	ch <- c.pvPower
	ch <- c.housePower
	ch <- c.batterySoc
	ch <- c.chargePower
	ch <- c.loadpointSoc
	ch <- c.loadpointCharging
	ch <- c.loadpointPlugged
	ch <- c.scrapeSuccess
	ch <- c.consecutiveFailures
	ch <- c.dataStale
	ch <- c.fetchErrors
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.status.Status()

	success := 0.0
	if st.Last != nil && st.LastError == nil {
		success = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeSuccess, prometheus.GaugeValue, success)
	ch <- prometheus.MustNewConstMetric(c.consecutiveFailures, prometheus.GaugeValue, float64(st.ConsecutiveFailures))
	ch <- prometheus.MustNewConstMetric(c.dataStale, prometheus.GaugeValue, boolValue(st.Stale))
	for reason, n := range st.Errors {
		ch <- prometheus.MustNewConstMetric(c.fetchErrors, prometheus.CounterValue, float64(n), reason)
	}

	if st.Last == nil {
		return
	}
	m := st.Last.Metrics
	ch <- prometheus.MustNewConstMetric(c.gridPower, prometheus.GaugeValue, float64(m.GridPower))
	ch <- prometheus.MustNewConstMetric(c.pvPower, prometheus.GaugeValue, float64(m.PVPower))
	ch <- prometheus.MustNewConstMetric(c.housePower, prometheus.GaugeValue, float64(m.HousePower()))
	if m.BatterySoc != types.SocUnknown {
		ch <- prometheus.MustNewConstMetric(c.batterySoc, prometheus.GaugeValue, float64(m.BatterySoc))
	}

	for i, lp := range m.Active() {
		label := strconv.Itoa(i + 1)
		ch <- prometheus.MustNewConstMetric(c.chargePower, prometheus.GaugeValue, float64(lp.ChargePower), label)
		if lp.Soc != types.SocUnknown {
			ch <- prometheus.MustNewConstMetric(c.loadpointSoc, prometheus.GaugeValue, float64(lp.Soc), label)
		}
		ch <- prometheus.MustNewConstMetric(c.loadpointCharging, prometheus.GaugeValue, boolValue(lp.Charging), label)
		ch <- prometheus.MustNewConstMetric(c.loadpointPlugged, prometheus.GaugeValue, boolValue(lp.Plugged), label)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
