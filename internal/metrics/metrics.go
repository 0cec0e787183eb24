// Package metrics exposes dbkeeper's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dbkeeper"

var (
	backupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_runs_total",
			Help:      "Total number of finished backup runs",
		},
		[]string{"type", "status", "trigger"},
	)

	backupRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_run_duration_seconds",
			Help:      "Backup run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 4 * 3600},
		},
		[]string{"type"},
	)

	triggerSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_skipped_total",
			Help:      "Scheduled triggers skipped because the job was already running",
		},
	)

	agentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_connected",
			Help:      "Number of agents holding an authenticated connection",
		},
	)

	agentMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_messages_total",
			Help:      "Protocol messages received from agent connections",
		},
		[]string{"type"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Storage backend operations by outcome",
		},
		[]string{"backend", "op", "result"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// ObserveBackupRun records a finished run.
func ObserveBackupRun(backupType, status, trigger string, duration time.Duration) {
	backupRunsTotal.WithLabelValues(backupType, status, trigger).Inc()
	if duration > 0 {
		backupRunDuration.WithLabelValues(backupType).Observe(duration.Seconds())
	}
}

// TriggerSkipped counts a scheduled trigger dropped because its job was busy.
func TriggerSkipped() {
	triggerSkippedTotal.Inc()
}

// SetAgentsConnected sets the number of live agent connections.
func SetAgentsConnected(n int) {
	agentsConnected.Set(float64(n))
}

// AgentMessage counts a received protocol message.
func AgentMessage(msgType string) {
	agentMessagesTotal.WithLabelValues(msgType).Inc()
}

// StorageOperation counts a backend operation. ok selects the result label.
func StorageOperation(backend, op string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	storageOperationsTotal.WithLabelValues(backend, op, result).Inc()
}

// ObserveHTTPRequest records one served HTTP request.
func ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
