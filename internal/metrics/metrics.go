// Package metrics exposes scheduler and event bus activity in the Prometheus
// text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scaneye/scaneye/internal/models"
)

const namespace = "scaneye"

// Source supplies live values read at scrape time.
type Source interface {
	SubscriberCount() int
	Dropped() uint64
}

// ScanState reports whether a scan is running.
type ScanState interface {
	Scanning() bool
}

// Collector owns a private registry and records run outcomes.
type Collector struct {
	registry *prometheus.Registry

	scanRuns     *prometheus.CounterVec
	scanDuration prometheus.Histogram
	scanDropped  prometheus.Counter
	devices      prometheus.Gauge

	speedRuns     *prometheus.CounterVec
	speedDuration prometheus.Histogram
	downloadMbps  prometheus.Gauge
	uploadMbps    prometheus.Gauge
	pingMs        prometheus.Gauge
}

// NewCollector creates and registers all metrics. bus may be nil.
func NewCollector(version string, bus Source) *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: registry,
		scanRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "runs_total",
			Help:      "Completed scan iterations by result.",
		}, []string{"result"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Wall time of scan iterations.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		scanDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "dropped_total",
			Help:      "Scan triggers dropped because a scan was already running.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scan",
			Name:      "devices",
			Help:      "Devices found by the last successful scan.",
		}),
		speedRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "speedtest",
			Name:      "runs_total",
			Help:      "Completed speed tests by result.",
		}, []string{"result"}),
		speedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "speedtest",
			Name:      "duration_seconds",
			Help:      "Wall time of speed tests.",
			Buckets:   []float64{5, 10, 20, 30, 45, 60, 90, 120},
		}),
		downloadMbps: newGauge("download_mbps", "Last measured download throughput."),
		uploadMbps:   newGauge("upload_mbps", "Last measured upload throughput."),
		pingMs:       newGauge("ping_ms", "Last measured latency."),
	}

	registry.MustRegister(
		c.scanRuns, c.scanDuration, c.scanDropped, c.devices,
		c.speedRuns, c.speedDuration, c.downloadMbps, c.uploadMbps, c.pingMs,
	)

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Metadata about the running server.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	info.Set(1)
	registry.MustRegister(info)

	if bus != nil {
		registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "subscribers",
				Help:      "Connected event subscribers.",
			}, func() float64 { return float64(bus.SubscriberCount()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Events dropped for slow subscribers.",
			}, func() float64 { return float64(bus.Dropped()) }),
		)
	}

	return c
}

// TrackScans exports whether a scan is running. Call it once the scheduler
// exists.
func (c *Collector) TrackScans(scans ScanState) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scan",
		Name:      "in_progress",
		Help:      "1 while a scan is running.",
	}, func() float64 {
		if scans.Scanning() {
			return 1
		}
		return 0
	}))
}

func newGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "speedtest",
		Name:      name,
		Help:      help,
	})
}

// ScanFinished records one scan iteration.
func (c *Collector) ScanFinished(deviceCount int, duration time.Duration, err error) {
	c.scanDuration.Observe(duration.Seconds())
	if err != nil {
		c.scanRuns.WithLabelValues("error").Inc()
		return
	}
	c.scanRuns.WithLabelValues("success").Inc()
	c.devices.Set(float64(deviceCount))
}

// ScanDropped records a trigger that found a scan already running.
func (c *Collector) ScanDropped() {
	c.scanDropped.Inc()
}

// SpeedTestFinished records one speed test. Gauges keep their previous value
// on failure.
func (c *Collector) SpeedTestFinished(result models.SpeedResult, duration time.Duration, err error) {
	c.speedDuration.Observe(duration.Seconds())
	if err != nil {
		c.speedRuns.WithLabelValues("error").Inc()
		return
	}
	c.speedRuns.WithLabelValues("success").Inc()
	c.downloadMbps.Set(result.DownloadMbps)
	c.uploadMbps.Set(result.UploadMbps)
	c.pingMs.Set(result.PingMs)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
