// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec   // gypsum_http_requests_total{route,status}
	RequestDuration *prometheus.HistogramVec // gypsum_http_request_duration_seconds{route}

	// Upload protocol
	UploadsTotal  *prometheus.CounterVec // gypsum_uploads_total{stage}
	BytesReserved prometheus.Counter     // gypsum_upload_bytes_reserved_total
	BytesUploaded prometheus.Counter     // gypsum_upload_bytes_received_total
	DedupLinks    prometheus.Counter     // gypsum_dedup_links_total
	LockConflicts prometheus.Counter     // gypsum_lock_conflicts_total

	// Latest-version resolution
	LatestLookups *prometheus.CounterVec // gypsum_latest_lookups_total{result}
}

// Upload stages.
const (
	StageInitialized = "initialized"
	StageCompleted   = "completed"
	StageAborted     = "aborted"
	StageFailed      = "failed"
)

// Latest lookup results.
const (
	LatestHit   = "hit"
	LatestMiss  = "miss"
	LatestRetry = "retry"
)

// New registers every collector on registry. Passing nil uses a fresh
// registry, which keeps tests independent of one another.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gypsum_http_requests_total",
			Help: "Total HTTP requests by route and status",
		}, []string{"route", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gypsum_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		UploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gypsum_uploads_total",
			Help: "Upload sessions by protocol stage",
		}, []string{"stage"}),

		BytesReserved: factory.NewCounter(prometheus.CounterOpts{
			Name: "gypsum_upload_bytes_reserved_total",
			Help: "Total bytes reserved against project quotas at initialization",
		}),

		BytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "gypsum_upload_bytes_received_total",
			Help: "Total bytes received through direct file uploads",
		}),

		DedupLinks: factory.NewCounter(prometheus.CounterOpts{
			Name: "gypsum_dedup_links_total",
			Help: "Files turned into links by MD5 deduplication",
		}),

		LockConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "gypsum_lock_conflicts_total",
			Help: "Upload initializations rejected because the project was locked",
		}),

		LatestLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gypsum_latest_lookups_total",
			Help: "Latest-version lookups by cache result",
		}, []string{"result"}),
	}
}

// RecordRequest records a served HTTP request.
func (m *Metrics) RecordRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// RecordUpload counts an upload session reaching stage.
func (m *Metrics) RecordUpload(stage string) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(stage).Inc()
}

// RecordReserved records bytes reserved at initialization.
func (m *Metrics) RecordReserved(bytes uint64) {
	if m == nil {
		return
	}
	m.BytesReserved.Add(float64(bytes))
}

// RecordReceived records bytes received by the direct upload endpoint.
func (m *Metrics) RecordReceived(bytes int64) {
	if m == nil {
		return
	}
	m.BytesUploaded.Add(float64(bytes))
}

// RecordDedupLinks records files resolved to links by deduplication.
func (m *Metrics) RecordDedupLinks(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DedupLinks.Add(float64(n))
}

// RecordLockConflict counts a rejected lock acquisition.
func (m *Metrics) RecordLockConflict() {
	if m == nil {
		return
	}
	m.LockConflicts.Inc()
}

// RecordLatest counts a latest-version lookup.
func (m *Metrics) RecordLatest(result string) {
	if m == nil {
		return
	}
	m.LatestLookups.WithLabelValues(result).Inc()
}
