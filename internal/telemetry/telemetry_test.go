package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"injectd/internal/injector"
	"injectd/internal/strategy"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("test")

	c := r.Counter("things_total", "things", nil)
	c.Inc()
	c.Add(2)
	assert.Equal(t, uint64(3), c.Value())

	g := r.Gauge("level", "level", nil)
	g.Set(5)
	g.Dec()
	assert.Equal(t, int64(4), g.Value())
}

func TestRegistryDeduplicates(t *testing.T) {
	r := NewRegistry("test")
	a := r.Counter("x_total", "x", nil)
	b := r.Counter("x_total", "x", nil)
	a.Inc()
	assert.Equal(t, uint64(1), b.Value())

	// Different labels are distinct series.
	l1 := r.Counter("y_total", "y", Labels{"method": "a"})
	l2 := r.Counter("y_total", "y", Labels{"method": "b"})
	l1.Inc()
	assert.Zero(t, l2.Value())
}

func TestHistogramObservation(t *testing.T) {
	r := NewRegistry("test")
	h := r.Histogram("latency_seconds", "latency", nil, LatencyBuckets)

	h.ObserveDuration(12 * time.Millisecond)
	h.ObserveDuration(48 * time.Millisecond)

	assert.Equal(t, uint64(2), h.Count())
	assert.InDelta(t, 0.030, h.Mean(), 0.001)
}

func TestPrometheusOutput(t *testing.T) {
	r := NewRegistry("injectd")
	r.Counter("attempts_total", "Total attempts", nil).Inc()
	r.Histogram("attempt_duration_seconds", "Durations", nil, nil).Observe(0.02)

	var sb strings.Builder
	require.NoError(t, r.WritePrometheus(&sb))
	out := sb.String()

	assert.Contains(t, out, "# TYPE injectd_attempts_total counter")
	assert.Contains(t, out, "injectd_attempts_total 1")
	assert.Contains(t, out, "injectd_attempt_duration_seconds_count 1")
	assert.Contains(t, out, `le="+Inf"} 1`)
}

func TestRecordOutcomeClassification(t *testing.T) {
	m := New(NewRegistry("t"))

	m.RecordOutcome(strategy.Outcome{Success: true, Method: injector.MethodAtspiInsert, Elapsed: 10 * time.Millisecond})
	m.RecordOutcome(strategy.Outcome{Err: strategy.ErrBudgetExhausted})
	m.RecordOutcome(strategy.Outcome{Err: strategy.ErrAllMethodsFailed})
	m.RecordOutcome(strategy.Outcome{Err: strategy.ErrTargetExcluded})

	assert.Equal(t, uint64(4), m.AttemptsTotal.Value())
	assert.Equal(t, uint64(1), m.SuccessesTotal.Value())
	assert.Equal(t, uint64(1), m.BudgetExhaustedTotal.Value())
	assert.Equal(t, uint64(1), m.FailuresTotal.Value())
	assert.Equal(t, uint64(1), m.RefusalsTotal.Value())
	assert.Equal(t, uint64(1), m.successByMethod[injector.MethodAtspiInsert].Value())
}

func TestSnapshotCarriesSeries(t *testing.T) {
	m := New(NewRegistry("t"))
	m.RecordOutcome(strategy.Outcome{Success: true, Method: injector.MethodClipboardPaste})

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap["t_attempts_total"])
	assert.Contains(t, snap, `t_method_successes_total{method="clipboard_paste"}`)
}
