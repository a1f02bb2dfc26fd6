package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	reapedSessions prometheus.Counter

	handoffTotal   *prometheus.CounterVec
	handoffDenied  *prometheus.CounterVec
	handoffLatency prometheus.Histogram

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	dedupBlockedTotal     *prometheus.CounterVec
	verifyAttemptsCeiling prometheus.Counter

	streamEventsTotal *prometheus.CounterVec
	memoryMergeTotal  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "sessions_total",
					Help: "Total sessions by outcome.",
				},
				[]string{"outcome"},
			),
			reapedSessions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "reaped_sessions_total",
					Help: "Total sessions released by the idle sweep.",
				},
			),
			handoffTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "handoff_total",
					Help: "Total handoffs by source role, target role and outcome.",
				},
				[]string{"from_role", "to_role", "outcome"},
			),
			handoffDenied: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "handoff_denied_total",
					Help: "Total denied handoffs by reason.",
				},
				[]string{"reason"},
			),
			handoffLatency: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "handoff_duration_seconds",
					Help:    "Handoff transition duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			dedupBlockedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dedup_blocked_total",
					Help: "Total tool calls suppressed as duplicates by tool.",
				},
				[]string{"tool"},
			),
			verifyAttemptsCeiling: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "verification_ceiling_total",
					Help: "Total sessions that exhausted verification attempts.",
				},
			),
			streamEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "stream_events_total",
					Help: "Total upstream stream events by kind.",
				},
				[]string{"kind"},
			),
			memoryMergeTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_merge_total",
					Help: "Total session memory merges by status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.sessionsTotal,
			m.reapedSessions,
			m.handoffTotal,
			m.handoffDenied,
			m.handoffLatency,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.dedupBlockedTotal,
			m.verifyAttemptsCeiling,
			m.streamEventsTotal,
			m.memoryMergeTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordSessionEnd(outcome string) {
	m := getMetrics()
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

func RecordReapedSession() {
	m := getMetrics()
	m.reapedSessions.Inc()
}

func RecordHandoff(fromRole, toRole string, duration time.Duration, success bool) {
	m := getMetrics()
	outcome := "failed"
	if success {
		outcome = "success"
	}
	m.handoffTotal.WithLabelValues(fromRole, toRole, outcome).Inc()
	m.handoffLatency.Observe(duration.Seconds())
}

func RecordHandoffDenied(reason string) {
	m := getMetrics()
	m.handoffDenied.WithLabelValues(reason).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordDedupBlocked(tool string) {
	m := getMetrics()
	m.dedupBlockedTotal.WithLabelValues(tool).Inc()
}

func RecordVerificationCeiling() {
	m := getMetrics()
	m.verifyAttemptsCeiling.Inc()
}

func RecordStreamEvent(kind string) {
	m := getMetrics()
	m.streamEventsTotal.WithLabelValues(kind).Inc()
}

func RecordMemoryMerge(success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.memoryMergeTotal.WithLabelValues(status).Inc()
}
