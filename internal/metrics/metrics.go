package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the Herse service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Admission gate metrics.
	AdmissionDecisionsTotal *prometheus.CounterVec
	AdmissionCheckDuration  prometheus.Histogram

	// Spend cache metrics.
	SpendCacheOpsTotal *prometheus.CounterVec

	// Kill-switch metrics.
	KillSwitchActionsTotal *prometheus.CounterVec

	// Trigger evaluator metrics.
	EvaluatorTicksTotal   *prometheus.CounterVec
	EvaluatorTickDuration prometheus.Histogram
	EvaluatorKillsTotal   *prometheus.CounterVec

	// Usage recorder metrics.
	RecorderBufferSize    prometheus.Gauge
	RecorderFlushesTotal  *prometheus.CounterVec
	RecorderFlushDuration prometheus.Histogram
	RecorderEventsTotal   prometheus.Counter
	RecorderDroppedTotal  prometheus.Counter

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herse_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"kind", "method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herse_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind", "method", "path_pattern"}),

		AdmissionDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herse_admission_decisions_total",
			Help: "Total number of admission decisions by outcome and deny code.",
		}, []string{"decision", "code"}),

		AdmissionCheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herse_admission_check_duration_seconds",
			Help:    "Duration of admission checks in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		SpendCacheOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herse_spend_cache_ops_total",
			Help: "Total number of spend cache operations by result.",
		}, []string{"op", "result"}),

		KillSwitchActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herse_killswitch_actions_total",
			Help: "Total number of kill-switch actions by outcome.",
		}, []string{"action", "outcome"}),

		EvaluatorTicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herse_evaluator_ticks_total",
			Help: "Total number of trigger evaluator ticks by result.",
		}, []string{"result"}),

		EvaluatorTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herse_evaluator_tick_duration_seconds",
			Help:    "Duration of trigger evaluator ticks in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		EvaluatorKillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herse_evaluator_kills_total",
			Help: "Total number of agents killed by triggers, by trigger kind.",
		}, []string{"kind"}),

		RecorderBufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herse_recorder_buffer_size",
			Help: "Current number of buffered usage events.",
		}),

		RecorderFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herse_recorder_flushes_total",
			Help: "Total number of usage recorder flushes.",
		}, []string{"status"}),

		RecorderFlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herse_recorder_flush_duration_seconds",
			Help:    "Duration of usage recorder flush operations in seconds.",
			Buckets: prometheus.DefBuckets,
		}),

		RecorderEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herse_recorder_events_total",
			Help: "Total number of usage events recorded.",
		}),

		RecorderDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "herse_recorder_events_dropped_total",
			Help: "Total number of usage events dropped on buffer overflow.",
		}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herse_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herse_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herse_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	// Register all metrics.
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AdmissionDecisionsTotal,
		m.AdmissionCheckDuration,
		m.SpendCacheOpsTotal,
		m.KillSwitchActionsTotal,
		m.EvaluatorTicksTotal,
		m.EvaluatorTickDuration,
		m.EvaluatorKillsTotal,
		m.RecorderBufferSize,
		m.RecorderFlushesTotal,
		m.RecorderFlushDuration,
		m.RecorderEventsTotal,
		m.RecorderDroppedTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.ServerStartTime,
	)

	// Set server start time.
	m.ServerStartTime.Set(float64(time.Now().Unix()))

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RegisterGlobalStopGauge exposes the emergency-stop flag as a 0/1 gauge.
func (m *Metrics) RegisterGlobalStopGauge(active func() bool) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "herse_global_stop_active",
		Help: "Whether the global emergency stop is engaged (1) or not (0).",
	}, func() float64 {
		if active() {
			return 1
		}
		return 0
	}))
}

// IncHTTPRequest counts one handled HTTP request.
func (m *Metrics) IncHTTPRequest(kind, method, pattern string, status int) {
	m.HTTPRequestsTotal.WithLabelValues(kind, method, pattern, strconv.Itoa(status)).Inc()
}

// ObserveHTTPRequestDuration records the latency of one handled HTTP request.
func (m *Metrics) ObserveHTTPRequestDuration(kind, method, pattern string, seconds float64) {
	m.HTTPRequestDuration.WithLabelValues(kind, method, pattern).Observe(seconds)
}

// IncAdmissionDecision increments the admission decision counter. code is
// empty for allows.
func (m *Metrics) IncAdmissionDecision(decision, code string) {
	m.AdmissionDecisionsTotal.WithLabelValues(decision, code).Inc()
}

// ObserveAdmissionDuration records the duration of one admission check.
func (m *Metrics) ObserveAdmissionDuration(seconds float64) {
	m.AdmissionCheckDuration.Observe(seconds)
}

// IncSpendCacheOp increments the spend cache operation counter.
func (m *Metrics) IncSpendCacheOp(op, result string) {
	m.SpendCacheOpsTotal.WithLabelValues(op, result).Inc()
}

// IncKillSwitchAction increments the kill-switch action counter.
func (m *Metrics) IncKillSwitchAction(action, outcome string) {
	m.KillSwitchActionsTotal.WithLabelValues(action, outcome).Inc()
}

// IncEvaluatorTick increments the evaluator tick counter.
func (m *Metrics) IncEvaluatorTick(result string) {
	m.EvaluatorTicksTotal.WithLabelValues(result).Inc()
}

// ObserveEvaluatorTickDuration records the duration of one evaluator tick.
func (m *Metrics) ObserveEvaluatorTickDuration(seconds float64) {
	m.EvaluatorTickDuration.Observe(seconds)
}

// IncEvaluatorKill increments the evaluator kill counter for a trigger kind.
func (m *Metrics) IncEvaluatorKill(kind string) {
	m.EvaluatorKillsTotal.WithLabelValues(kind).Inc()
}

// SetRecorderBufferSize sets the current usage recorder buffer size.
func (m *Metrics) SetRecorderBufferSize(n int) {
	m.RecorderBufferSize.Set(float64(n))
}

// IncRecorderFlush increments the recorder flush counter.
func (m *Metrics) IncRecorderFlush(status string) {
	m.RecorderFlushesTotal.WithLabelValues(status).Inc()
}

// ObserveRecorderFlushDuration records the duration of one recorder flush.
func (m *Metrics) ObserveRecorderFlushDuration(seconds float64) {
	m.RecorderFlushDuration.Observe(seconds)
}

// AddRecorderEvents adds to the recorded usage event counter.
func (m *Metrics) AddRecorderEvents(n int) {
	m.RecorderEventsTotal.Add(float64(n))
}

// AddRecorderDropped adds to the dropped usage event counter.
func (m *Metrics) AddRecorderDropped(n int) {
	m.RecorderDroppedTotal.Add(float64(n))
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}
