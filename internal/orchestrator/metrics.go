package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the orchestrator's prometheus surface. It also implements
// matching.StatsSink so the matcher's rule-usage counts land here; the
// in-memory mirror backs the stats endpoint without a registry scrape.
type Metrics struct {
	runsStarted   *prometheus.CounterVec
	runsDuplicate prometheus.Counter
	runsRejected  *prometheus.CounterVec
	cancels       prometheus.Counter
	ruleMatched   *prometheus.CounterVec
	activeRuns    *prometheus.GaugeVec
	runDuration   *prometheus.HistogramVec

	mu           sync.Mutex
	ruleUsage    map[string]int64
	startedTotal int64
	durations    map[string]DurationSummary
}

// DurationSummary condenses the run-duration observations for one
// workflow into a stats-endpoint-friendly shape.
type DurationSummary struct {
	Count        int64   `json:"count"`
	TotalSeconds float64 `json:"total_seconds"`
	MaxSeconds   float64 `json:"max_seconds"`
}

// NewMetrics creates and registers the orchestrator metrics. Pass
// prometheus.DefaultRegisterer in production; tests use a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cashapp_runs_started_total",
			Help: "Workflow runs accepted for execution.",
		}, []string{"workflow", "client"}),
		runsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cashapp_runs_duplicate_total",
			Help: "Submissions collapsed onto an existing run.",
		}),
		runsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cashapp_runs_rejected_total",
			Help: "Submissions rejected before a run was created.",
		}, []string{"reason"}),
		cancels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cashapp_run_cancel_requests_total",
			Help: "Cancellation requests accepted for live runs.",
		}),
		ruleMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cashapp_matching_rule_used_total",
			Help: "Matches produced per matching rule.",
		}, []string{"rule"}),
		activeRuns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cashapp_active_runs",
			Help: "Runs currently pending or running.",
		}, []string{"workflow"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cashapp_run_duration_seconds",
			Help:    "Wall-clock time from first claim to a terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"workflow"}),
		ruleUsage: make(map[string]int64),
		durations: make(map[string]DurationSummary),
	}
	reg.MustRegister(m.runsStarted, m.runsDuplicate, m.runsRejected, m.cancels,
		m.ruleMatched, m.activeRuns, m.runDuration)
	return m
}

// RunStarted counts an accepted run.
func (m *Metrics) RunStarted(workflow, client string) {
	m.runsStarted.WithLabelValues(workflow, client).Inc()
	m.mu.Lock()
	m.startedTotal++
	m.mu.Unlock()
}

// RunFinished records the duration of a run that reached a terminal state.
func (m *Metrics) RunFinished(workflow string, d time.Duration) {
	secs := d.Seconds()
	m.runDuration.WithLabelValues(workflow).Observe(secs)

	m.mu.Lock()
	s := m.durations[workflow]
	s.Count++
	s.TotalSeconds += secs
	if secs > s.MaxSeconds {
		s.MaxSeconds = secs
	}
	m.durations[workflow] = s
	m.mu.Unlock()
}

// StartedTotal returns the number of runs accepted since startup.
func (m *Metrics) StartedTotal() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startedTotal
}

// RunDurations returns a copy of the per-workflow duration summaries.
func (m *Metrics) RunDurations() map[string]DurationSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]DurationSummary, len(m.durations))
	for k, v := range m.durations {
		out[k] = v
	}
	return out
}

// SetActive publishes the per-workflow in-flight counts.
func (m *Metrics) SetActive(byWorkflow map[string]int64) {
	m.activeRuns.Reset()
	for name, n := range byWorkflow {
		m.activeRuns.WithLabelValues(name).Set(float64(n))
	}
}

// RuleMatched implements matching.StatsSink.
func (m *Metrics) RuleMatched(rule string) {
	m.ruleMatched.WithLabelValues(rule).Inc()
	m.mu.Lock()
	m.ruleUsage[rule]++
	m.mu.Unlock()
}

// RuleUsage returns a copy of the per-rule match counts.
func (m *Metrics) RuleUsage() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.ruleUsage))
	for k, v := range m.ruleUsage {
		out[k] = v
	}
	return out
}
