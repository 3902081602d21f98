// Package metrics defines the Prometheus series the pipeline exports and
// a small instrumentation helper for feature-store operations, timing and
// counting a call the way the source system's monitor_db_operation
// decorator and the teacher's sqlhooks.Hooks do around a boundary. No
// feature-store call in the pipeline goes through the helper, so the
// database_operations_* series stay empty in a running process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MessagesProcessed counts every decoded inbound message by type.
	MessagesProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messages_processed_total",
		Help: "Number of HL7 messages processed.",
	}, []string{"message_type"})

	// ProcessingTime records wall time spent processing one message.
	ProcessingTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "message_processing_seconds",
		Help: "Time spent processing messages.",
	}, []string{"message_type"})

	// PredictionsMade counts predictor verdicts by result.
	PredictionsMade = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "predictions_made_total",
		Help: "Number of AKI predictions made.",
	}, []string{"result"})

	// DatabaseOperations counts feature-store calls by operation and outcome.
	DatabaseOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "database_operations_total",
		Help: "Number of database operations.",
	}, []string{"operation_type", "status"})

	// DatabaseOperationDuration times feature-store calls by operation.
	DatabaseOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "database_operation_duration_seconds",
		Help: "Time spent on database operations.",
	}, []string{"operation_type"})

	// PagerRequests counts outbound pager HTTP attempts by outcome.
	PagerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pager_requests_total",
		Help: "Number of pager requests sent.",
	}, []string{"status"})

	// ApplicationErrors counts recoverable failures by taxonomy/component.
	ApplicationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "application_errors_total",
		Help: "Total number of application errors.",
	}, []string{"error_type", "component"})

	// SocketTimeouts counts upstream read timeouts that triggered a silent reconnect.
	SocketTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socket_timeouts",
		Help: "Number of times the upstream socket has timed out.",
	})

	// SigtermCounter counts graceful-shutdown signals received.
	SigtermCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sigterm_counter",
		Help: "Number of times the process has received a shutdown signal.",
	})

	// SystemHealth gauges component health: 1 healthy, 0 degraded.
	SystemHealth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "system_health_status",
		Help: "Current health status of system components.",
	}, []string{"component"})
)

// NewRegistry builds a fresh collector registry (not the global default)
// holding the package's series. The collectors themselves are package
// level, so every registry built here reports the same values.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		MessagesProcessed,
		ProcessingTime,
		PredictionsMade,
		DatabaseOperations,
		DatabaseOperationDuration,
		PagerRequests,
		ApplicationErrors,
		SocketTimeouts,
		SigtermCounter,
		SystemHealth,
	)
	return reg
}

// RecordError increments ApplicationErrors and marks component unhealthy,
// mirroring the source's record_error helper.
func RecordError(errorType, component string) {
	ApplicationErrors.WithLabelValues(errorType, component).Inc()
	SystemHealth.WithLabelValues(component).Set(0)
}

// Instrument wraps fn with the database_operations_total/
// database_operation_duration_seconds series the way the source's
// monitor_db_operation decorator and the teacher's sqlhooks.Hooks both
// instrument a boundary call: it records success/error and latency, then
// returns fn's error unchanged.
func Instrument(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	DatabaseOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DatabaseOperations.WithLabelValues(operation, "error").Inc()
		RecordError("storage_fault", "database")
		return err
	}
	DatabaseOperations.WithLabelValues(operation, "success").Inc()
	return nil
}
