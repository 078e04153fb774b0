package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instrumentation for the scheduler loop: a
// namespaced set of gauges, histograms, and counters covering workflow
// instances and pointers.
type Metrics struct {
	activeLeases      prometheus.Gauge
	runnableInstances prometheus.Gauge
	stepLatency       *prometheus.HistogramVec
	retries           *prometheus.CounterVec
	stepFailures      *prometheus.CounterVec
	compensations     *prometheus.CounterVec
	iterationsTotal   prometheus.Counter
}

// NewMetrics registers the scheduler's metrics with registry. Pass nil to
// use prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		activeLeases: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wfengine",
			Name:      "active_leases",
			Help:      "Number of instance leases currently held by this host",
		}),
		runnableInstances: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wfengine",
			Name:      "runnable_instances",
			Help:      "Number of instances returned by the last get_runnable call",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wfengine",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"step_name", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wfengine",
			Name:      "step_retries_total",
			Help:      "Cumulative retry attempts across all steps",
		}, []string{"step_name"}),
		stepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wfengine",
			Name:      "step_failures_total",
			Help:      "Cumulative terminal step failures, by error kind",
		}, []string{"step_name", "error_kind"}),
		compensations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wfengine",
			Name:      "compensations_total",
			Help:      "Cumulative compensation outcomes",
		}, []string{"outcome"}), // outcome: completed, failed
		iterationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wfengine",
			Name:      "iterations_total",
			Help:      "Cumulative number of instance iterations run",
		}),
	}
}

func (m *Metrics) SetActiveLeases(n int) { m.activeLeases.Set(float64(n)) }

func (m *Metrics) SetRunnableInstances(n int) { m.runnableInstances.Set(float64(n)) }

func (m *Metrics) ObserveStepLatency(stepName, status string, d time.Duration) {
	m.stepLatency.WithLabelValues(stepName, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) IncRetry(stepName string) { m.retries.WithLabelValues(stepName).Inc() }

func (m *Metrics) IncStepFailure(stepName, errorKind string) {
	m.stepFailures.WithLabelValues(stepName, errorKind).Inc()
}

func (m *Metrics) IncCompensation(outcome string) {
	m.compensations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncIteration() { m.iterationsTotal.Inc() }
