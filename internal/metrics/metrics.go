// Package metrics holds the service's Prometheus collectors. A Metrics value
// owns its registry so tests and multiple servers never share state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imagevault"

type Metrics struct {
	registry *prometheus.Registry

	// Uploads counts finished upload attempts by outcome
	// (stored, rejected, invalid, failed).
	Uploads *prometheus.CounterVec
	// QuotaRejections counts failing ledger reasons.
	QuotaRejections *prometheus.CounterVec
	VariantFailures prometheus.Counter
	// Reads counts access decisions by kind (bytes, info) and outcome.
	Reads         *prometheus.CounterVec
	PurgedAssets  prometheus.Counter
	PurgeFailures prometheus.Counter

	RequestCounter  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New builds and registers every collector, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload attempts by outcome.",
		}, []string{"outcome"}),
		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Admission denials by failing reason.",
		}, []string{"reason"}),
		VariantFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variant_failures_total",
			Help:      "Variant generations that failed or were skipped.",
		}),
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Asset read decisions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		PurgedAssets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_assets_total",
			Help:      "Soft-deleted assets whose blobs were removed.",
		}),
		PurgeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purge_failures_total",
			Help:      "Blob deletions that failed during purge.",
		}),
		RequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Uploads, m.QuotaRejections, m.VariantFailures, m.Reads,
		m.PurgedAssets, m.PurgeFailures, m.RequestCounter, m.RequestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
