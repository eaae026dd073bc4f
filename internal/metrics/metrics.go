// Package metrics provides Prometheus metrics for the content gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Content version store metrics
	contentBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contentgate_content_bytes_written_total",
			Help: "Total bytes written to content backends",
		},
	)

	contentBytesRead = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contentgate_content_bytes_read_total",
			Help: "Total bytes served from content backends",
		},
	)

	contentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentgate_content_operations_total",
			Help: "Total content version store operations",
		},
		[]string{"operation", "status"},
	)

	// Cipher metrics
	rangeReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentgate_encrypted_range_reads_total",
			Help: "Total range reads served from encrypted content",
		},
		[]string{"aligned"},
	)

	// Backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentgate_backend_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentgate_backend_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Upload session metrics
	uploadSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentgate_upload_sessions_total",
			Help: "Total upload session transitions",
		},
		[]string{"transition"},
	)

	uploadPartBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "contentgate_upload_part_bytes_total",
			Help: "Total bytes accepted as upload parts",
		},
	)

	// Lock metrics
	lockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentgate_lock_acquisitions_total",
			Help: "Total resource lock acquisition attempts",
		},
		[]string{"result"},
	)

	lockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contentgate_lock_wait_duration_seconds",
			Help:    "Time spent waiting for resource locks",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sweep metrics
	sweepRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentgate_sweep_records_total",
			Help: "Total records processed by reclamation sweeps",
		},
		[]string{"sweep", "status"},
	)

	// Detached task metrics
	detachedTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contentgate_detached_tasks_total",
			Help: "Total detached cleanup task outcomes",
		},
		[]string{"task", "status"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contentgate_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "contentgate_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordContentWrite records bytes written through the content store.
func RecordContentWrite(bytes int64) {
	contentBytesWritten.Add(float64(bytes))
}

// RecordContentRead records bytes served through the content store.
func RecordContentRead(bytes int64) {
	contentBytesRead.Add(float64(bytes))
}

// RecordContentOperation records a content store operation outcome.
func RecordContentOperation(operation string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	contentOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordEncryptedRangeRead records a range read against encrypted content.
func RecordEncryptedRangeRead(aligned bool) {
	label := "exact"
	if !aligned {
		label = "widened"
	}
	rangeReadsTotal.WithLabelValues(label).Inc()
}

// RecordBackendOperation records a storage backend operation.
func RecordBackendOperation(backend, operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	backendOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}

// RecordSessionTransition records an upload session state transition.
func RecordSessionTransition(transition string) {
	uploadSessionsTotal.WithLabelValues(transition).Inc()
}

// RecordPartAccepted records an accepted upload part.
func RecordPartAccepted(bytes int64) {
	uploadPartBytes.Add(float64(bytes))
}

// RecordLockAcquisition records a lock acquisition attempt result.
func RecordLockAcquisition(result string) {
	lockAcquisitionsTotal.WithLabelValues(result).Inc()
}

// RecordLockWait records time spent polling for a lock.
func RecordLockWait(duration time.Duration) {
	lockWaitDuration.Observe(duration.Seconds())
}

// RecordSweep records a reclamation sweep outcome for one record.
func RecordSweep(sweep string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	sweepRecordsTotal.WithLabelValues(sweep, status).Inc()
}

// RecordDetachedTask records a detached task outcome ("ok", "failed", "dropped").
func RecordDetachedTask(task, status string) {
	detachedTasksTotal.WithLabelValues(task, status).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}
