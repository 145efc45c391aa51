// Package metrics exposes Prometheus collectors for the run engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gogo_engine"

// Metrics holds every engine collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Runs
	RunsCreated    prometheus.Counter
	RunTransitions *prometheus.CounterVec

	// Tasks
	TaskTransitions *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	TasksInFlight   prometheus.Gauge

	// Model pool
	ModelSelections  *prometheus.CounterVec
	ModelFallbacks   *prometheus.CounterVec
	ModelUnavailable *prometheus.CounterVec

	// Tool policy
	PolicyFindings *prometheus.CounterVec

	// Event log
	EventsAppended *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_created_total",
			Help:      "Total runs created",
		}),
		RunTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run state transitions by target status",
		}, []string{"status"}),
		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task state transitions by target status",
		}, []string{"status"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task attempt duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"agent_role", "status"}),
		TasksInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Tasks currently held by a worker",
		}),
		ModelSelections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_selections_total",
			Help:      "Candidate selections by role",
		}, []string{"role", "candidate"}),
		ModelFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fallbacks_total",
			Help:      "Candidate failures that triggered a fallback",
		}, []string{"role", "candidate", "reason"}),
		ModelUnavailable: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_unavailable_total",
			Help:      "Requests that exhausted every candidate",
		}, []string{"role"}),
		PolicyFindings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_policy_findings_total",
			Help:      "Tool policy findings by phase and effective decision",
		}, []string{"phase", "decision"}),
		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events written to the session log",
		}, []string{"type"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_not_persisted_total",
			Help:      "Events excluded from persistence and sent live only",
		}, []string{"type"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGaugeFunc exposes a value sampled at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn)
}

func (m *Metrics) RunCreated() {
	if m == nil {
		return
	}
	m.RunsCreated.Inc()
}

func (m *Metrics) RunTransition(status string) {
	if m == nil {
		return
	}
	m.RunTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveTask(agentRole, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(agentRole, status).Observe(d.Seconds())
}

func (m *Metrics) TaskAcquired() {
	if m == nil {
		return
	}
	m.TasksInFlight.Inc()
}

func (m *Metrics) TaskReleased() {
	if m == nil {
		return
	}
	m.TasksInFlight.Dec()
}

func (m *Metrics) ModelSelected(role, candidate string) {
	if m == nil {
		return
	}
	m.ModelSelections.WithLabelValues(role, candidate).Inc()
}

func (m *Metrics) ModelFallback(role, candidate, reason string) {
	if m == nil {
		return
	}
	m.ModelFallbacks.WithLabelValues(role, candidate, reason).Inc()
}

func (m *Metrics) ModelExhausted(role string) {
	if m == nil {
		return
	}
	m.ModelUnavailable.WithLabelValues(role).Inc()
}

func (m *Metrics) PolicyFinding(phase, decision string) {
	if m == nil {
		return
	}
	m.PolicyFindings.WithLabelValues(phase, decision).Inc()
}

func (m *Metrics) EventAppended(eventType string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventExcluded(eventType string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(eventType).Inc()
}
