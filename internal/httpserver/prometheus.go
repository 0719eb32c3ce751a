package httpserver

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/cpuhz-web/internal/cpustat"
	"github.com/skobkin/cpuhz-web/internal/sampler"
)

const metricsNamespace = "cpuhz"

type coreMetricsCollector struct {
	sampler *sampler.Manager
	load    *cpustat.Manager
	metrics []coreMetric

	rounds     *prometheus.Desc
	sampleAge  *prometheus.Desc
	drift      *prometheus.Desc
	invalid    *prometheus.Desc
	busy       *prometheus.Desc
	busyTotal  *prometheus.Desc
	busySecond *prometheus.Desc
}

type coreMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(core sampler.CoreSample) (float64, bool)
}

func newCoreMetricsCollector(samplerManager *sampler.Manager, loadManager *cpustat.Manager) prometheus.Collector {
	if samplerManager == nil {
		return nil
	}

	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, subsystem, name),
			help,
			labels,
			nil,
		)
	}

	collector := &coreMetricsCollector{
		sampler:    samplerManager,
		load:       loadManager,
		rounds:     desc("sampler", "rounds_total", "Sampling rounds completed since start."),
		sampleAge:  desc("sampler", "snapshot_age_seconds", "Seconds elapsed since the latest snapshot was published."),
		drift:      desc("core", "drift_total", "Rounds in which the monitor was observed off its pinned core.", "core"),
		invalid:    desc("core", "invalid_total", "Rounds in which the core produced no valid measurement.", "core"),
		busy:       desc("load", "busy_percent", "Logical CPU utilisation over the last scan interval.", "cpu"),
		busyTotal:  desc("load", "total_busy_percent", "Host-wide CPU utilisation over the last scan interval."),
		busySecond: desc("load", "busy_seconds_total", "Cumulative non-idle time of the logical CPU.", "cpu"),
	}

	collector.metrics = []coreMetric{
		{
			desc:      desc("core", "frequency_mhz", "Measured effective core frequency in MHz.", "core"),
			valueType: prometheus.GaugeValue,
			extract: func(core sampler.CoreSample) (float64, bool) {
				if core.MHz == nil {
					return 0, false
				}
				return *core.MHz, true
			},
		},
		{
			desc:      desc("core", "reported_frequency_mhz", "Frequency reported by cpufreq in MHz.", "core"),
			valueType: prometheus.GaugeValue,
			extract: func(core sampler.CoreSample) (float64, bool) {
				if core.ReportedMHz == nil {
					return 0, false
				}
				return *core.ReportedMHz, true
			},
		},
		{
			desc:      desc("core", "valid", "Whether the latest measurement of the core is valid (1) or not (0).", "core"),
			valueType: prometheus.GaugeValue,
			extract: func(core sampler.CoreSample) (float64, bool) {
				return boolToFloat(core.Valid), true
			},
		},
		{
			desc:      desc("core", "pinned", "Whether the monitor thread runs pinned to its core.", "core"),
			valueType: prometheus.GaugeValue,
			extract: func(core sampler.CoreSample) (float64, bool) {
				return boolToFloat(core.Pinned), true
			},
		},
	}

	return collector
}

func (c *coreMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.rounds
	ch <- c.sampleAge
	ch <- c.drift
	ch <- c.invalid
	ch <- c.busy
	ch <- c.busyTotal
	ch <- c.busySecond
}

func (c *coreMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.rounds, prometheus.CounterValue, float64(c.sampler.Rounds()))

	if snapshot, ok := c.sampler.Latest(); ok {
		age := time.Since(snapshot.Timestamp).Seconds()
		if age < 0 {
			age = 0
		}
		ch <- prometheus.MustNewConstMetric(c.sampleAge, prometheus.GaugeValue, age)

		for _, core := range snapshot.Cores {
			label := strconv.Itoa(core.Index)
			for _, metric := range c.metrics {
				value, ok := metric.extract(core)
				if !ok {
					continue
				}
				ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value, label)
			}
		}
	}

	for i, stats := range c.sampler.Stats() {
		label := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(c.drift, prometheus.CounterValue, float64(stats.Drift), label)
		ch <- prometheus.MustNewConstMetric(c.invalid, prometheus.CounterValue, float64(stats.Invalid), label)
	}

	if c.load == nil {
		return
	}
	load, ok := c.load.Latest()
	if !ok {
		return
	}
	if load.Total != nil {
		ch <- prometheus.MustNewConstMetric(c.busyTotal, prometheus.GaugeValue, *load.Total)
	}
	for _, core := range load.Cores {
		label := strconv.Itoa(core.CPU)
		ch <- prometheus.MustNewConstMetric(c.busySecond, prometheus.CounterValue, core.BusySeconds, label)
		if core.BusyPct != nil {
			ch <- prometheus.MustNewConstMetric(c.busy, prometheus.GaugeValue, *core.BusyPct, label)
		}
	}
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
