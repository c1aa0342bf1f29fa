package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devicelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	lifecycleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "device",
			Name:      "operations_total",
			Help:      "Device lifecycle operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)
	lifecycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devicelink",
			Subsystem: "device",
			Name:      "operation_duration_seconds",
			Help:      "Device lifecycle operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)
	sharingSessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devicelink",
			Subsystem: "sharing",
			Name:      "sessions_total",
			Help:      "Session sharing exchanges by role and result.",
		},
		[]string{"role", "success"},
	)
	sharingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devicelink",
			Subsystem: "sharing",
			Name:      "session_duration_seconds",
			Help:      "Session sharing exchange duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role", "success"},
	)
	authorizing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devicelink",
			Subsystem: "sharing",
			Name:      "authorizing",
			Help:      "1 while a sharing exchange is active on this device.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			lifecycleOps,
			lifecycleDuration,
			sharingSessions,
			sharingDuration,
			authorizing,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordLifecycle counts one registry operation (register, deregister,
// reset, logout, apply_shared) and its outcome label.
func RecordLifecycle(operation, outcome string, duration time.Duration) {
	RegisterMetrics()
	lifecycleOps.WithLabelValues(operation, outcome).Inc()
	lifecycleDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

func RecordSharingSession(role string, success bool, duration time.Duration) {
	RegisterMetrics()
	successLabel := strconv.FormatBool(success)
	sharingSessions.WithLabelValues(role, successLabel).Inc()
	sharingDuration.WithLabelValues(role, successLabel).Observe(duration.Seconds())
}

func SetAuthorizing(active bool) {
	RegisterMetrics()
	if active {
		authorizing.Set(1)
		return
	}
	authorizing.Set(0)
}
