package httpserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/nvtweak/internal/gpu"
	"github.com/skobkin/nvtweak/internal/sampler"
)

const metricsNamespace = "nvtweak"

type gpuMetricsCollector struct {
	sampler *sampler.Manager
	metrics []gpuMetric

	clock       *prometheus.Desc
	maxClock    *prometheus.Desc
	refreshes   *prometheus.Desc
	incompletes *prometheus.Desc
}

type gpuMetric struct {
	desc    *prometheus.Desc
	extract func(sample sampler.Sample) (float64, bool)
}

func newGPUMetricsCollector(info gpu.Info, samplerManager *sampler.Manager) prometheus.Collector {
	if samplerManager == nil {
		return nil
	}

	constLabels := prometheus.Labels{"gpu": info.Name}
	if info.UUID != "" {
		constLabels["uuid"] = info.UUID
	}

	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "gpu", name),
			help,
			labels,
			constLabels,
		)
	}

	collector := &gpuMetricsCollector{
		sampler:     samplerManager,
		clock:       desc("clock_mhz", "Current clock in MHz per clock domain.", "domain"),
		maxClock:    desc("max_clock_mhz", "Maximum clock in MHz per clock domain.", "domain"),
		refreshes:   desc("refreshes_total", "Refresh passes since start."),
		incompletes: desc("refresh_incomplete_total", "Refresh passes in which at least one query failed."),
	}

	snapshotMetric := func(name, help string, value func(m gpu.Snapshot) float64) gpuMetric {
		return gpuMetric{
			desc: desc(name, help),
			extract: func(sample sampler.Sample) (float64, bool) {
				return value(sample.Metrics), true
			},
		}
	}

	collector.metrics = []gpuMetric{
		snapshotMetric("power_watts", "Current board power draw in whole Watts.", func(m gpu.Snapshot) float64 {
			return float64(m.PowerWatts)
		}),
		snapshotMetric("temperature_celsius", "Current GPU core temperature in Celsius.", func(m gpu.Snapshot) float64 {
			return float64(m.TemperatureC)
		}),
		snapshotMetric("memory_free_mib", "Free framebuffer memory in MiB.", func(m gpu.Snapshot) float64 {
			return float64(m.MemoryFreeMiB)
		}),
		snapshotMetric("memory_used_mib", "Used framebuffer memory in MiB.", func(m gpu.Snapshot) float64 {
			return float64(m.MemoryUsedMiB)
		}),
		snapshotMetric("memory_total_mib", "Total framebuffer memory in MiB.", func(m gpu.Snapshot) float64 {
			return float64(m.MemoryTotalMiB)
		}),
		snapshotMetric("fan_speed_percent", "Target speed of the primary fan in percent.", func(m gpu.Snapshot) float64 {
			return float64(m.FanSpeedPct)
		}),
		snapshotMetric("utilization_percent", "Graphics engine utilisation in percent.", func(m gpu.Snapshot) float64 {
			return float64(m.GPUUtilPct)
		}),
		snapshotMetric("memory_utilization_percent", "Memory controller utilisation in percent.", func(m gpu.Snapshot) float64 {
			return float64(m.MemUtilPct)
		}),
		snapshotMetric("core_offset_mhz", "Graphics clock VF offset in MHz.", func(m gpu.Snapshot) float64 {
			return float64(m.CoreOffsetMHz)
		}),
		snapshotMetric("memory_offset_mhz", "Memory clock VF offset in MHz.", func(m gpu.Snapshot) float64 {
			return float64(m.MemOffsetMHz)
		}),
		{
			desc: desc("sample_timestamp_seconds", "Unix timestamp of the latest GPU sample."),
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				return float64(sample.Timestamp.Unix()), true
			},
		},
		{
			desc: desc("sample_age_seconds", "Seconds elapsed since the latest GPU sample was collected."),
			extract: func(sample sampler.Sample) (float64, bool) {
				if sample.Timestamp.IsZero() {
					return 0, false
				}
				age := time.Since(sample.Timestamp).Seconds()
				if age < 0 {
					age = 0
				}
				return age, true
			},
		},
	}

	return collector
}

func (c *gpuMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	ch <- c.clock
	ch <- c.maxClock
	ch <- c.refreshes
	ch <- c.incompletes
}

func (c *gpuMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	refreshes, incomplete := c.sampler.Stats()
	ch <- prometheus.MustNewConstMetric(c.refreshes, prometheus.CounterValue, float64(refreshes))
	ch <- prometheus.MustNewConstMetric(c.incompletes, prometheus.CounterValue, float64(incomplete))

	sample, ok := c.sampler.Latest()
	if !ok {
		return
	}
	for _, metric := range c.metrics {
		value, ok := metric.extract(sample)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, prometheus.GaugeValue, value)
	}
	for _, domain := range gpu.ClockDomains {
		current, max := sample.Metrics.Clock(domain)
		ch <- prometheus.MustNewConstMetric(c.clock, prometheus.GaugeValue, float64(current), domain.String())
		ch <- prometheus.MustNewConstMetric(c.maxClock, prometheus.GaugeValue, float64(max), domain.String())
	}
}
