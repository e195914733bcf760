package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveOracle("ok", 1, 200*time.Millisecond)
	m.ObserveOracle("transport", 3, time.Second)
	m.IncToolCall("kubectl", "ok")
	m.IncIteration("engineer")
	m.IncIteration("engineer")
	m.IncRepetition("researcher")
	m.TaskStarted()
	m.TaskStarted()
	m.TaskFinished("engineer", "completed", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.oracleRequests.WithLabelValues("transport")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolCalls.WithLabelValues("kubectl", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.loopIterations.WithLabelValues("engineer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.repetitions.WithLabelValues("researcher")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskOutcomes.WithLabelValues("engineer", "completed")))
}

func TestMetricsReuseRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewMetrics(reg)
	second := NewMetrics(reg)

	first.IncIteration("researcher")
	second.IncIteration("researcher")

	assert.Equal(t, 2.0, testutil.ToFloat64(second.loopIterations.WithLabelValues("researcher")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOracle("ok", 1, time.Millisecond)
		m.IncToolCall("x", "ok")
		m.IncIteration("r")
		m.IncRepetition("r")
		m.TaskStarted()
		m.TaskFinished("r", "failed", time.Millisecond)
	})
}
