package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inverter_telemetry"

// Metrics holds the worker's collectors on a dedicated registry
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal       *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	FetchAttempts     prometheus.Counter
	FetchRetries      prometheus.Counter
	FetchFailures     *prometheus.CounterVec
	ThrottlePenalties prometheus.Counter
	ValidSites        prometheus.Gauge
	StaleValidity     prometheus.Gauge
	OnlineSites       prometheus.Gauge
	VoltageDiffAlerts prometheus.Counter
	PublishFailures   *prometheus.CounterVec
	Refreshes         prometheus.Counter
}

// New registers all collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Collection cycles by outcome",
		}, []string{"outcome"}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a collection cycle",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		FetchAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Physical requests made to the inverter API",
		}),
		FetchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Attempts made after a transient failure",
		}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Logical fetches that did not produce a reading, by class",
		}, []string{"class"}),
		ThrottlePenalties: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_penalties_total",
			Help:      "Rate-limit answers that slowed the global request throttle",
		}),
		ValidSites: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "valid_sites",
			Help:      "Sites eligible for collection in the last cycle",
		}),
		StaleValidity: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_validity_sites",
			Help:      "Sites whose validity was carried over from a failed check",
		}),
		OnlineSites: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_sites",
			Help:      "Sites reported ONLINE in the last published batch",
		}),
		VoltageDiffAlerts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voltage_diff_alerts_total",
			Help:      "Readings whose battery voltage differential exceeded the alert threshold",
		}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Failed sink writes by sink",
		}, []string{"sink"}),
		Refreshes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validity_refreshes_total",
			Help:      "Global site re-validations",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
