package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	sessionsCreated    prometheus.Counter
	generations        *prometheus.CounterVec
	generationDuration prometheus.Histogram
	approvals          *prometheus.CounterVec
	executions         *prometheus.CounterVec
	executionsInFlight prometheus.Gauge
	steps              *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	sessionsExpired    prometheus.Counter
}

// NewMetrics registers the orchestrator collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "planwise_sessions_created_total",
			Help: "Agent sessions created.",
		}),
		generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planwise_plan_generations_total",
			Help: "Plan generation turns by outcome (plan, clarification, error).",
		}, []string{"outcome"}),
		generationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "planwise_plan_generation_duration_seconds",
			Help:    "Latency of plan generator calls.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		approvals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planwise_plan_approvals_total",
			Help: "Approval attempts by outcome.",
		}, []string{"outcome"}),
		executions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planwise_plan_executions_total",
			Help: "Finished plan executions by outcome.",
		}, []string{"outcome"}),
		executionsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "planwise_plan_executions_in_flight",
			Help: "Plans currently executing.",
		}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "planwise_step_executions_total",
			Help: "Plan steps by action type and final status.",
		}, []string{"action", "status"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "planwise_step_duration_seconds",
			Help:    "Latency of individual domain actions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		sessionsExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "planwise_sessions_expired_total",
			Help: "Sessions failed by the expiry sweeper.",
		}),
	}
}
