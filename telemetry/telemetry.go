// Package telemetry exposes site metrics to Prometheus. Every metric starts
// as a no-op; InitializeTelemetry creates the registry and InitMetrics swaps
// in real series, so components record unconditionally.
package telemetry

import (
	"net/http"
	"strconv"

	"github.com/maxpert/sitesync/cfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const namespace = "sitesync"

// nil until metrics are enabled
var registry *prometheus.Registry

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
	SetToCurrentTime()
}

// CounterVec is a counter family; With takes label values in declaration order
type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

// NoopStat discards everything recorded on it
type NoopStat struct{}

func (NoopStat) Observe(float64)   {}
func (NoopStat) Set(float64)       {}
func (NoopStat) Inc()              {}
func (NoopStat) Dec()              {}
func (NoopStat) Add(float64)       {}
func (NoopStat) Sub(float64)       {}
func (NoopStat) SetToCurrentTime() {}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopGaugeVec) With(...string) Gauge         { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }

type counterVec struct{ *prometheus.CounterVec }

func (v counterVec) With(labels ...string) Counter { return v.WithLabelValues(labels...) }

type gaugeVec struct{ *prometheus.GaugeVec }

func (v gaugeVec) With(labels ...string) Gauge { return v.WithLabelValues(labels...) }

type histogramVec struct{ *prometheus.HistogramVec }

func (v histogramVec) With(labels ...string) Histogram { return v.WithLabelValues(labels...) }

// siteLabels tie every series to the site and the protocol generation it
// syncs with, so one central dashboard can tell sites apart
func siteLabels() prometheus.Labels {
	return prometheus.Labels{
		"site_id":  strconv.FormatUint(cfg.Config.SiteID, 10),
		"protocol": cfg.Config.Sync.Protocol,
	}
}

func opts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   namespace,
		Name:        name,
		Help:        help,
		ConstLabels: siteLabels(),
	}
}

func histogramOpts(name, help string, buckets []float64) prometheus.HistogramOpts {
	o := opts(name, help)
	return prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}
}

func register[C prometheus.Collector](c C) C {
	registry.MustRegister(c)
	return c
}

func NewCounter(name, help string) Counter {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewCounter(prometheus.CounterOpts(opts(name, help))))
}

func NewGauge(name, help string) Gauge {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewGauge(prometheus.GaugeOpts(opts(name, help))))
}

func NewHistogramWithBuckets(name, help string, buckets []float64) Histogram {
	if registry == nil {
		return NoopStat{}
	}
	return register(prometheus.NewHistogram(histogramOpts(name, help, buckets)))
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	return counterVec{register(prometheus.NewCounterVec(prometheus.CounterOpts(opts(name, help)), labels))}
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	return gaugeVec{register(prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(name, help)), labels))}
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	return histogramVec{register(prometheus.NewHistogramVec(histogramOpts(name, help, buckets), labels))}
}

// InitializeTelemetry creates the registry when metrics are enabled. It must
// run after cfg.Load, since series carry the site id.
func InitializeTelemetry() {
	if !cfg.Config.Prometheus.Enabled {
		return
	}

	registry = prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	log.Info().
		Uint64("site_id", cfg.Config.SiteID).
		Msg("Prometheus metrics enabled at /admin/metrics")
}

// GetMetricsHandler serves the site registry, nil when metrics are disabled
func GetMetricsHandler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}
