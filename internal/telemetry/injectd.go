package telemetry

import (
	"errors"
	"time"

	"injectd/internal/injector"
	"injectd/internal/strategy"
)

// Metrics holds the injectd metric set.
type Metrics struct {
	registry *Registry

	AttemptsTotal        *Counter
	SuccessesTotal       *Counter
	FailuresTotal        *Counter
	BudgetExhaustedTotal *Counter
	RefusalsTotal        *Counter
	FragmentsTotal       *Counter

	ActiveSessions *Gauge
	UptimeSeconds  *Gauge

	AttemptDuration *Histogram

	successByMethod map[injector.Method]*Counter
}

var startTime = time.Now()

// New creates and registers the injectd metrics on the given registry (the
// default registry when nil).
func New(registry *Registry) *Metrics {
	if registry == nil {
		registry = Default()
	}

	m := &Metrics{
		registry: registry,

		AttemptsTotal: registry.Counter(
			"attempts_total",
			"Total number of injection requests",
			nil,
		),
		SuccessesTotal: registry.Counter(
			"successes_total",
			"Total number of confirmed injections",
			nil,
		),
		FailuresTotal: registry.Counter(
			"failures_total",
			"Total number of injection requests where every method failed",
			nil,
		),
		BudgetExhaustedTotal: registry.Counter(
			"budget_exhausted_total",
			"Total number of injection requests cut off by the time budget",
			nil,
		),
		RefusalsTotal: registry.Counter(
			"refusals_total",
			"Total number of injection requests refused by policy",
			nil,
		),
		FragmentsTotal: registry.Counter(
			"fragments_total",
			"Total number of transcript fragments buffered",
			nil,
		),

		ActiveSessions: registry.Gauge(
			"active_sessions",
			"Number of dictation sessions currently buffering",
			nil,
		),
		UptimeSeconds: registry.Gauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		AttemptDuration: registry.Histogram(
			"attempt_duration_seconds",
			"Wall-clock duration of injection requests in seconds",
			nil,
			LatencyBuckets,
		),

		successByMethod: make(map[injector.Method]*Counter),
	}

	for _, method := range injector.Methods() {
		m.successByMethod[method] = registry.Counter(
			"method_successes_total",
			"Confirmed injections per method",
			Labels{"method": string(method)},
		)
	}
	return m
}

// RecordOutcome implements strategy.Recorder.
func (m *Metrics) RecordOutcome(o strategy.Outcome) {
	m.AttemptsTotal.Inc()
	m.AttemptDuration.ObserveDuration(o.Elapsed)

	switch {
	case o.Success:
		m.SuccessesTotal.Inc()
		if c, ok := m.successByMethod[o.Method]; ok {
			c.Inc()
		}
	case errors.Is(o.Err, strategy.ErrBudgetExhausted):
		m.BudgetExhaustedTotal.Inc()
	case errors.Is(o.Err, strategy.ErrTargetExcluded):
		m.RefusalsTotal.Inc()
	default:
		m.FailuresTotal.Inc()
	}
}

// RecordFragment records one buffered transcript fragment.
func (m *Metrics) RecordFragment() {
	m.FragmentsTotal.Inc()
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns the flat metric view for the stats surface.
func (m *Metrics) Snapshot() map[string]any {
	m.UpdateUptime()
	return m.registry.Snapshot()
}

// Registry returns the backing registry, for the scrape endpoint.
func (m *Metrics) Registry() *Registry { return m.registry }

var defaultRegistry = NewRegistry("injectd")

// Default returns the default global registry.
func Default() *Registry {
	return defaultRegistry
}
