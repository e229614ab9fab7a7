// Package metrics bundles the Prometheus collectors of the importer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics methods are nil-safe so components can run without a registry.
type Metrics struct {
	Registry           *prometheus.Registry
	FetchDuration      *prometheus.HistogramVec
	AdmissionDecisions *prometheus.CounterVec
	ImagesTotal        *prometheus.CounterVec
	AcquisitionsTotal  *prometheus.CounterVec
	SearchCacheHits    prometheus.Counter
	OutboxEvents       *prometheus.CounterVec
	OutboxBacklog      *prometheus.GaugeVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "importer_fetch_duration_seconds",
			Help:    "Page fetch latency by result.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	admission := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "importer_admission_decisions_total",
			Help: "Admission decisions by reason.",
		},
		[]string{"reason"},
	)
	images := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "importer_images_total",
			Help: "Image downloads by result.",
		},
		[]string{"result"},
	)
	acquisitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "importer_acquisitions_total",
			Help: "Acquisition outcomes by kind.",
		},
		[]string{"outcome"},
	)
	cacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "importer_search_cache_hits_total",
			Help: "Identifier lookups answered from the search cache.",
		},
	)

	outboxEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "importer_outbox_events_total",
			Help: "Outbox events handled by the relay, by result.",
		},
		[]string{"result"},
	)
	outboxBacklog := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "importer_outbox_backlog",
			Help: "Outbox events by status as of the last relay poll.",
		},
		[]string{"status"},
	)

	registry.MustRegister(fetchDuration, admission, images, acquisitions, cacheHits, outboxEvents, outboxBacklog)

	return &Metrics{
		Registry:           registry,
		FetchDuration:      fetchDuration,
		AdmissionDecisions: admission,
		ImagesTotal:        images,
		AcquisitionsTotal:  acquisitions,
		SearchCacheHits:    cacheHits,
		OutboxEvents:       outboxEvents,
		OutboxBacklog:      outboxBacklog,
	}
}

func (m *Metrics) ObserveFetch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) IncAdmission(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "allowed"
	}
	m.AdmissionDecisions.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncImage(success bool) {
	if m == nil {
		return
	}
	result := "failed"
	if success {
		result = "ok"
	}
	m.ImagesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncAcquisition(outcome string) {
	if m == nil {
		return
	}
	m.AcquisitionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncSearchCacheHit() {
	if m == nil {
		return
	}
	m.SearchCacheHits.Inc()
}

// IncOutbox counts one relayed event: published, failed or dead_letter.
func (m *Metrics) IncOutbox(result string) {
	if m == nil {
		return
	}
	m.OutboxEvents.WithLabelValues(result).Inc()
}

func (m *Metrics) SetOutboxBacklog(status string, n int64) {
	if m == nil {
		return
	}
	m.OutboxBacklog.WithLabelValues(status).Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
