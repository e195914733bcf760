package telemetry

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report crew activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	oracleRequests  *prometheus.CounterVec
	oracleAttempts  prometheus.Histogram
	oracleLatency   prometheus.Histogram
	toolCalls       *prometheus.CounterVec
	loopIterations  *prometheus.CounterVec
	repetitions     *prometheus.CounterVec
	taskOutcomes    *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tasksInProgress prometheus.Gauge
}

// NewMetrics constructs a Metrics instance and registers it with reg.
// Collectors already registered on reg are reused, so several crews can share a registry.
// A conflicting registration panics, as promauto does.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		oracleRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcrew",
			Subsystem: "oracle",
			Name:      "requests_total",
			Help:      "Oracle queries by outcome (ok, transport, empty_response, malformed_json, schema_violation).",
		}, []string{"outcome"}),
		oracleAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentcrew",
			Subsystem: "oracle",
			Name:      "attempts",
			Help:      "Transport attempts used per oracle query.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),
		oracleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentcrew",
			Subsystem: "oracle",
			Name:      "query_duration_seconds",
			Help:      "Wall time per oracle query including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcrew",
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Tool invocations by tool and result.",
		}, []string{"tool", "result"}),
		loopIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcrew",
			Subsystem: "loop",
			Name:      "iterations_total",
			Help:      "Reasoning loop iterations by role.",
		}, []string{"role"}),
		repetitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcrew",
			Subsystem: "loop",
			Name:      "repetitions_total",
			Help:      "Corrective prompts issued after repeated reasoning steps.",
		}, []string{"role"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcrew",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Tasks reaching a terminal status by role.",
		}, []string{"role", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentcrew",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time from claim to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"role"}),
		tasksInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcrew",
			Subsystem: "tasks",
			Name:      "in_progress",
			Help:      "Tasks currently claimed by a worker.",
		}),
	}

	m.oracleRequests = register(reg, m.oracleRequests)
	m.oracleAttempts = register(reg, m.oracleAttempts)
	m.oracleLatency = register(reg, m.oracleLatency)
	m.toolCalls = register(reg, m.toolCalls)
	m.loopIterations = register(reg, m.loopIterations)
	m.repetitions = register(reg, m.repetitions)
	m.taskOutcomes = register(reg, m.taskOutcomes)
	m.taskDuration = register(reg, m.taskDuration)
	m.tasksInProgress = register(reg, m.tasksInProgress)
	return m
}

// register adds c to reg, returning the existing collector when an identical one is already there.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveOracle records one finished oracle query.
func (m *Metrics) ObserveOracle(outcome string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.oracleRequests.WithLabelValues(outcome).Inc()
	m.oracleAttempts.Observe(float64(attempts))
	m.oracleLatency.Observe(elapsed.Seconds())
}

// IncToolCall counts a tool invocation. result is "ok" or an error kind.
func (m *Metrics) IncToolCall(tool, result string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, result).Inc()
}

// IncIteration counts one loop iteration for role.
func (m *Metrics) IncIteration(role string) {
	if m == nil {
		return
	}
	m.loopIterations.WithLabelValues(role).Inc()
}

// IncRepetition counts one repetition-triggered correction for role.
func (m *Metrics) IncRepetition(role string) {
	if m == nil {
		return
	}
	m.repetitions.WithLabelValues(role).Inc()
}

// TaskStarted marks a task as claimed.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksInProgress.Inc()
}

// TaskFinished records a terminal status for a claimed task.
func (m *Metrics) TaskFinished(role, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksInProgress.Dec()
	m.taskOutcomes.WithLabelValues(role, status).Inc()
	m.taskDuration.WithLabelValues(role).Observe(elapsed.Seconds())
}
