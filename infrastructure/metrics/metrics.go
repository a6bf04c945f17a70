// Package metrics provides Prometheus metrics collection for the dispatcher,
// manager registry, and internal job runner.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors exposed by the server.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Dispatcher (claim/return) metrics
	TasksClaimedTotal    *prometheus.CounterVec
	TasksReturnedTotal   *prometheus.CounterVec
	TaskRejectedTotal    *prometheus.CounterVec
	ClaimBatchSize       prometheus.Histogram
	DispatcherLatency    *prometheus.HistogramVec
	TasksWaitingGauge    prometheus.Gauge
	TasksRunningGauge    prometheus.Gauge

	// Manager registry metrics
	ManagersActiveGauge prometheus.Gauge
	ManagerHeartbeats   *prometheus.CounterVec
	ManagersEvictedTotal prometheus.Counter

	// Internal job runner metrics
	JobsClaimedTotal  *prometheus.CounterVec
	JobsCompletedTotal *prometheus.CounterVec
	JobsReapedTotal   prometheus.Counter

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "http_requests_in_flight", Help: "Current number of HTTP requests being processed"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "errors_total", Help: "Total number of domain errors"},
			[]string{"service", "code", "operation"},
		),

		TasksClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatcher_tasks_claimed_total", Help: "Total tasks handed out by claim()"},
			[]string{"manager"},
		),
		TasksReturnedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatcher_tasks_returned_total", Help: "Total task results accepted by return()"},
			[]string{"manager", "outcome"},
		),
		TaskRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dispatcher_tasks_rejected_total", Help: "Total task results rejected by return()"},
			[]string{"manager", "reason"},
		),
		ClaimBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatcher_claim_batch_size",
				Help:    "Number of tasks returned per claim() call",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
		DispatcherLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatcher_operation_duration_seconds",
				Help:    "Duration of dispatcher operations",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		TasksWaitingGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "dispatcher_tasks_waiting", Help: "Current number of waiting tasks"},
		),
		TasksRunningGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "dispatcher_tasks_running", Help: "Current number of running tasks"},
		),

		ManagersActiveGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "managers_active", Help: "Current number of active compute managers"},
		),
		ManagerHeartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "manager_heartbeats_total", Help: "Total manager heartbeat updates"},
			[]string{"manager"},
		),
		ManagersEvictedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "managers_evicted_total", Help: "Total managers deactivated by the heartbeat reaper"},
		),

		JobsClaimedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "internal_jobs_claimed_total", Help: "Total internal jobs claimed by a runner"},
			[]string{"function"},
		),
		JobsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "internal_jobs_completed_total", Help: "Total internal jobs finished"},
			[]string{"function", "status"},
		),
		JobsReapedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "internal_jobs_reaped_total", Help: "Total internal jobs recycled by the stall reaper"},
		),

		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "database_queries_total", Help: "Total number of database queries"},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "database_connections_open", Help: "Current number of open database connections"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "service_uptime_seconds", Help: "Service uptime in seconds"},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "service_info", Help: "Service information"},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight, m.ErrorsTotal,
			m.TasksClaimedTotal, m.TasksReturnedTotal, m.TaskRejectedTotal,
			m.ClaimBatchSize, m.DispatcherLatency, m.TasksWaitingGauge, m.TasksRunningGauge,
			m.ManagersActiveGauge, m.ManagerHeartbeats, m.ManagersEvictedTotal,
			m.JobsClaimedTotal, m.JobsCompletedTotal, m.JobsReapedTotal,
			m.DatabaseQueriesTotal, m.DatabaseQueryDuration, m.DatabaseConnectionsOpen,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", environment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records a domain error by code and operation.
func (m *Metrics) RecordError(service, code, operation string) {
	m.ErrorsTotal.WithLabelValues(service, code, operation).Inc()
}

// RecordClaim records a claim() call's batch size and elapsed time.
func (m *Metrics) RecordClaim(manager string, batchSize int, elapsed time.Duration) {
	m.TasksClaimedTotal.WithLabelValues(manager).Add(float64(batchSize))
	m.ClaimBatchSize.Observe(float64(batchSize))
	m.DispatcherLatency.WithLabelValues("claim").Observe(elapsed.Seconds())
}

// RecordReturn records the per-task outcome of a return() call.
func (m *Metrics) RecordReturn(manager, outcome string) {
	m.TasksReturnedTotal.WithLabelValues(manager, outcome).Inc()
}

// RecordRejection records a rejected task return.
func (m *Metrics) RecordRejection(manager, reason string) {
	m.TaskRejectedTotal.WithLabelValues(manager, reason).Inc()
}

// RecordDatabaseQuery records a database query's outcome and duration.
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections.
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter.
func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }

// DecrementInFlight decrements the in-flight requests counter.
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

func environment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if env == "" {
		return "development"
	}
	return env
}

// Enabled reports whether Prometheus metrics should be exposed.
//
// Defaults:
//   - production: disabled unless explicitly enabled via METRICS_ENABLED
//   - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return environment() != "production"
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance, initializing a fallback one if needed.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
