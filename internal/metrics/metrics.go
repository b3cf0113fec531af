package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livevtt_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Segment Metrics
	SegmentsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_segments_ingested_total",
			Help: "Total number of segments pulled from sources",
		},
		[]string{"stream", "track"},
	)

	SegmentsFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_segments_filtered_total",
			Help: "Total number of segments suppressed by filter rules",
		},
		[]string{"stream", "lang"},
	)

	SegmentsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_segments_rejected_total",
			Help: "Total number of segments rejected as invalid or out of order",
		},
		[]string{"stream", "reason"},
	)

	SegmentsOutOfOrderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_segments_out_of_order_total",
			Help: "Total number of segments overlapping the previous segment within tolerance",
		},
		[]string{"stream", "track"},
	)

	// Source Metrics
	SourceTransientErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_source_transient_errors_total",
			Help: "Total number of transient engine errors skipped by producers",
		},
		[]string{"track"},
	)

	ProducerTerminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_producer_terminations_total",
			Help: "Total number of producer terminations by reason",
		},
		[]string{"stream", "track", "reason"},
	)

	// Sink Metrics
	SinkDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_sink_delivered_total",
			Help: "Total number of segments delivered to sinks",
		},
		[]string{"stream", "sink"},
	)

	SinkDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_sink_dropped_total",
			Help: "Total number of segments shed by sinks",
		},
		[]string{"stream", "sink", "reason"},
	)

	SinkFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_sink_failures_total",
			Help: "Total number of failed sink deliveries",
		},
		[]string{"stream", "sink"},
	)

	SinkAbsentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_sink_absent_total",
			Help: "Total number of deliveries rejected because the remote stream was absent",
		},
		[]string{"stream", "sink"},
	)

	SinkHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livevtt_sink_health",
			Help: "Sink health (0 healthy, 1 degraded, 2 failed)",
		},
		[]string{"stream", "sink"},
	)

	SinkQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livevtt_sink_queue_depth",
			Help: "Number of segments waiting in a sink queue",
		},
		[]string{"stream", "sink"},
	)

	SinkDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livevtt_sink_delivery_duration_seconds",
			Help:    "Sink delivery latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"kind"},
	)

	// Stream Metrics
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livevtt_active_streams",
			Help: "Number of stream routers currently open",
		},
	)

	// Filter Metrics
	FilterReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_filter_reloads_total",
			Help: "Total number of filter and vocabulary reloads",
		},
		[]string{"status"},
	)

	// Archive Metrics
	ArchiveFilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_archive_files_total",
			Help: "Total number of archive files processed",
		},
		[]string{"status"},
	)

	ArchiveFileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livevtt_archive_file_duration_seconds",
			Help:    "Archive file processing duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		},
	)

	ArchiveWorkersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livevtt_archive_workers_active",
			Help: "Number of archive workers currently processing a file",
		},
	)

	ArchiveQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livevtt_archive_queue_depth",
			Help: "Messages waiting in the archive job queues",
		},
		[]string{"queue"},
	)

	ArchiveManifestFiles = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "livevtt_archive_manifest_files",
			Help: "Files in the archive manifest by latest status",
		},
		[]string{"status"},
	)

	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_webhook_deliveries_total",
			Help: "Total number of webhook deliveries",
		},
		[]string{"event", "status"},
	)

	// Storage Metrics
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "status"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livevtt_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordSegmentIngested records a segment pulled from a source
func RecordSegmentIngested(stream, track string) {
	SegmentsIngestedTotal.WithLabelValues(stream, track).Inc()
}

// RecordSegmentFiltered records a segment suppressed by the filter step
func RecordSegmentFiltered(stream, lang string) {
	SegmentsFilteredTotal.WithLabelValues(stream, lang).Inc()
}

// RecordSegmentRejected records an invalid segment
func RecordSegmentRejected(stream, reason string) {
	SegmentsRejectedTotal.WithLabelValues(stream, reason).Inc()
}

// RecordSinkDelivery records a sink delivery attempt and its latency
func RecordSinkDelivery(stream, sink, kind, outcome string, duration float64) {
	switch outcome {
	case "delivered":
		SinkDeliveredTotal.WithLabelValues(stream, sink).Inc()
	case "absent":
		SinkAbsentTotal.WithLabelValues(stream, sink).Inc()
	case "failed":
		SinkFailuresTotal.WithLabelValues(stream, sink).Inc()
	}
	SinkDeliveryDuration.WithLabelValues(kind).Observe(duration)
}

// RecordSinkDrop records a segment shed by a sink queue
func RecordSinkDrop(stream, sink, reason string) {
	SinkDroppedTotal.WithLabelValues(stream, sink, reason).Inc()
}

// UpdateSinkHealth sets the health gauge of a sink
func UpdateSinkHealth(stream, sink string, value float64) {
	SinkHealth.WithLabelValues(stream, sink).Set(value)
}

// UpdateSinkQueueDepth sets the queue depth gauge of a sink
func UpdateSinkQueueDepth(stream, sink string, depth int) {
	SinkQueueDepth.WithLabelValues(stream, sink).Set(float64(depth))
}

// ForgetSink removes the per-sink series of a closed stream
func ForgetSink(stream, sink string) {
	SinkHealth.DeleteLabelValues(stream, sink)
	SinkQueueDepth.DeleteLabelValues(stream, sink)
}

// RecordArchiveFile records a processed archive file
func RecordArchiveFile(status string, duration float64) {
	ArchiveFilesTotal.WithLabelValues(status).Inc()
	ArchiveFileDuration.Observe(duration)
}

// RecordWebhookDelivery records the outcome of a webhook delivery
func RecordWebhookDelivery(event, status string) {
	WebhookDeliveriesTotal.WithLabelValues(event, status).Inc()
}

// RecordStorageOperation records a storage operation
func RecordStorageOperation(operation, status string) {
	StorageOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
