// Package metrics provides Prometheus metrics for blazeguard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "blazeguard"
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// HTTPRequestsInFlight tracks concurrent HTTP requests.
	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)
)

// Pipeline metrics
var (
	// FindingsTotal counts submitted findings by issuer and outcome.
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "findings_total",
			Help:      "Total findings submitted to the dispatcher",
		},
		[]string{"issuer", "outcome"}, // recorded, throttled, suppressed, whitelisted
	)

	// IssuesCreated counts newly inserted issues.
	IssuesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "issues_created_total",
			Help:      "Total issues created for previously unseen fingerprints",
		},
		[]string{"issuer", "severity"},
	)

	// PipelineErrors counts findings lost to storage errors.
	PipelineErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "errors_total",
			Help:      "Total findings that could not be recorded",
		},
		[]string{"stage"},
	)

	// DetectorErrors counts failed or panicking issuer runs.
	DetectorErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "detector_errors_total",
			Help:      "Total issuer detection failures",
		},
		[]string{"issuer"},
	)

	// ScanDuration tracks how long each SCAN issuer takes.
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "scan_duration_seconds",
			Help:      "Issuer scan duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"issuer"},
	)

	// RuleMatches counts suppression rule matches by rule type.
	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "suppression",
			Name:      "rule_matches_total",
			Help:      "Total findings suppressed by ignore rules",
		},
		[]string{"rule_type"},
	)

	// DomainObservations counts redirect domain verdicts.
	DomainObservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reputation",
			Name:      "observations_total",
			Help:      "Total redirect domains observed by verdict",
		},
		[]string{"verdict"},
	)
)

// Event bus metrics
var (
	// EventsPublished counts events published on the local bus.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total events published on the bus",
		},
		[]string{"kind"},
	)

	// HandlerFailures counts subscriber errors and recovered panics.
	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "handler_failures_total",
			Help:      "Total event handler failures",
		},
		[]string{"kind"},
	)
)

// Notification metrics
var (
	// NotificationsEnqueued counts queued notification rows.
	NotificationsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "enqueued_total",
			Help:      "Total notification rows enqueued",
		},
		[]string{"channel"},
	)

	// NotificationAttempts counts delivery attempts by result.
	NotificationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "attempts_total",
			Help:      "Total delivery attempts",
		},
		[]string{"channel", "result"}, // sent, retry, failed
	)

	// NotificationDuration tracks channel send latency.
	NotificationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Channel send latency in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)

	// NotificationQueue tracks rows per status after each delivery run.
	NotificationQueue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "queue_rows",
			Help:      "Notification rows by status",
		},
		[]string{"status"},
	)
)

// Archive buffer metrics
var (
	// ArchivePending tracks records waiting to be flushed.
	ArchivePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "pending_records",
			Help:      "Archive records waiting to be flushed",
		},
	)

	// ArchiveDroppedTotal counts records dropped due to backpressure.
	ArchiveDroppedTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "dropped_records",
			Help:      "Archive records dropped due to buffer overflow since start",
		},
	)

	// ArchiveInsertedTotal counts records written to the archive.
	ArchiveInsertedTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "inserted_records",
			Help:      "Archive records inserted since start",
		},
	)
)

// Auth metrics
var (
	// AuthAttemptsTotal counts API authentication attempts.
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Total authentication attempts",
		},
		[]string{"result"}, // success, failure, forbidden
	)
)

// Info metric
var (
	// BuildInfo exposes build information.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_time"},
	)
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
