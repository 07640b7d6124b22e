package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for an ingestion run.
type Metrics struct {
	Registry           *prometheus.Registry
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	PagesTotal         prometheus.Counter
	RecordsTotal       prometheus.Counter
	RetriesTotal       prometheus.Counter
	FailuresTotal      *prometheus.CounterVec
	StoreRecordsTotal  *prometheus.CounterVec
	StoreBatchDuration prometheus.Histogram
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Total HTTP requests issued, by phase.",
		},
		[]string{"phase"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_request_duration_seconds",
			Help:    "HTTP request latency, by phase.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
	pages := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_catalog_pages_total",
			Help: "Catalog pages walked.",
		},
	)
	records := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_records_total",
			Help: "Item records produced by the coordinator.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_retries_total",
			Help: "Total number of retry attempts scheduled.",
		},
	)
	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_failures_total",
			Help: "Per-item and per-request failures by kind.",
		},
		[]string{"kind"},
	)
	storeRecords := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_store_records_total",
			Help: "Records handled by the writer, by result.",
		},
		[]string{"result"},
	)
	batchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_store_batch_duration_seconds",
			Help:    "Time spent persisting one batch.",
			Buckets: prometheus.DefBuckets,
		},
	)

	registry.MustRegister(requests, requestDuration, pages, records, retries, failures, storeRecords, batchDuration)

	return &Metrics{
		Registry:           registry,
		RequestsTotal:      requests,
		RequestDuration:    requestDuration,
		PagesTotal:         pages,
		RecordsTotal:       records,
		RetriesTotal:       retries,
		FailuresTotal:      failures,
		StoreRecordsTotal:  storeRecords,
		StoreBatchDuration: batchDuration,
	}
}

// IncRequest increments the requests total counter.
func (m *Metrics) IncRequest(phase string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(phase).Inc()
}

// ObserveDuration records an HTTP request duration.
func (m *Metrics) ObserveDuration(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) IncPages() {
	if m == nil {
		return
	}
	m.PagesTotal.Inc()
}

func (m *Metrics) IncRecords() {
	if m == nil {
		return
	}
	m.RecordsTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncFailure increments the failures counter for a kind label.
func (m *Metrics) IncFailure(kind string) {
	if m == nil {
		return
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveBatch records the result of one writer batch.
func (m *Metrics) ObserveBatch(written, unwritten, unchanged int, d time.Duration) {
	if m == nil {
		return
	}
	m.StoreRecordsTotal.WithLabelValues("written").Add(float64(written))
	m.StoreRecordsTotal.WithLabelValues("unwritten").Add(float64(unwritten))
	m.StoreRecordsTotal.WithLabelValues("unchanged").Add(float64(unchanged))
	if d > 0 {
		m.StoreBatchDuration.Observe(d.Seconds())
	}
}
