package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics, or one built with
// Enabled=false, silently drops every observation.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Recovery metrics
	IncidentsTotal       *prometheus.CounterVec
	SweepsTotal          *prometheus.CounterVec
	SweepDuration        prometheus.Histogram
	BoardEvaluations     *prometheus.CounterVec
	AlertsTotal          *prometheus.CounterVec
	ContinuityAgents     *prometheus.GaugeVec
	GatewayRequestsTotal *prometheus.CounterVec

	// Queue metrics
	QueueJobsTotal *prometheus.CounterVec
	QueueSize      *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
	// Registry defaults to a fresh registry so repeated construction never panics
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "mission_control",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Metrics{
		HTTPRequestsTotal: counter("http_requests_total", "Total number of HTTP requests", "method", "path", "status_code"),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status_code"}),

		IncidentsTotal:   counter("recovery_incidents_total", "Recovery incidents written, by status and reason", "status", "reason"),
		SweepsTotal:      counter("recovery_sweeps_total", "Recovery sweeps run, by outcome", "outcome"),
		BoardEvaluations: counter("recovery_board_evaluations_total", "Board evaluations, by outcome", "outcome"),
		AlertsTotal:      counter("recovery_alerts_total", "Alert routing results, by channel and outcome", "channel", "outcome"),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "recovery_sweep_duration_seconds",
			Help:      "Duration of a full recovery sweep",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		ContinuityAgents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "continuity_agents",
			Help:      "Agents per continuity verdict in the latest board snapshot",
		}, []string{"board_id", "continuity"}),
		GatewayRequestsTotal: counter("gateway_requests_total", "Runtime gateway session list calls, by outcome", "outcome"),

		QueueJobsTotal: counter("queue_jobs_total", "Queue jobs processed, by type and outcome", "type", "outcome"),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "queue_size",
			Help:      "Jobs waiting per queue and state",
		}, []string{"queue", "state"}),

		gatherer: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.IncidentsTotal,
		m.SweepsTotal,
		m.SweepDuration,
		m.BoardEvaluations,
		m.AlertsTotal,
		m.ContinuityAgents,
		m.GatewayRequestsTotal,
		m.QueueJobsTotal,
		m.QueueSize,
	)

	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.IncidentsTotal != nil
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if !m.enabled() {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordIncident counts one persisted recovery incident
func (m *Metrics) RecordIncident(status, reason string) {
	if !m.enabled() {
		return
	}
	m.IncidentsTotal.WithLabelValues(status, reason).Inc()
}

// RecordSweep records a finished recovery sweep
func (m *Metrics) RecordSweep(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.SweepsTotal.WithLabelValues(outcome).Inc()
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordBoardEvaluation counts one engine pass over a board
func (m *Metrics) RecordBoardEvaluation(outcome string) {
	if !m.enabled() {
		return
	}
	m.BoardEvaluations.WithLabelValues(outcome).Inc()
}

// RecordAlert records the routing result of one incident alert
func (m *Metrics) RecordAlert(channel string, delivered bool) {
	if !m.enabled() {
		return
	}
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.AlertsTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordAlertSkipped records an alert that was not routed at all
func (m *Metrics) RecordAlertSkipped(reason string) {
	if !m.enabled() {
		return
	}
	m.AlertsTotal.WithLabelValues("none", reason).Inc()
}

// UpdateContinuity sets the per-verdict agent gauges for a board
func (m *Metrics) UpdateContinuity(boardID string, counts map[string]int) {
	if !m.enabled() {
		return
	}
	for continuity, count := range counts {
		m.ContinuityAgents.WithLabelValues(boardID, continuity).Set(float64(count))
	}
}

// RecordGatewayRequest counts one runtime gateway call
func (m *Metrics) RecordGatewayRequest(outcome string) {
	if !m.enabled() {
		return
	}
	m.GatewayRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordQueueJob counts one dispatched queue job
func (m *Metrics) RecordQueueJob(jobType, outcome string) {
	if !m.enabled() {
		return
	}
	m.QueueJobsTotal.WithLabelValues(jobType, outcome).Inc()
}

// UpdateQueueSize updates queue size metrics
func (m *Metrics) UpdateQueueSize(queue, state string, size int64) {
	if !m.enabled() {
		return
	}
	m.QueueSize.WithLabelValues(queue, state).Set(float64(size))
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start))
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
