// Package metrics exposes run and stage instrumentation to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dockhand/engine/internal/models"
)

const namespace = "dockhand"

type Metrics struct {
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	stageFailures *prometheus.CounterVec
	triggers      *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Runs that reached a terminal state.",
		}, []string{"target", "state"}),
		runDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Time from leaving the queue to a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"state"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stages",
			Name:      "duration_seconds",
			Help:      "Duration of a single stage attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 9),
		}, []string{"stage", "status"}),
		stageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stages",
			Name:      "failures_total",
			Help:      "Failed stage attempts by failure kind.",
		}, []string{"stage", "kind"}),
		triggers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "total",
			Help:      "Accepted triggers by outcome (created, coalesced, rejected).",
		}, []string{"outcome"}),
	}
}

// Nop returns metrics registered on a throwaway registry.
func Nop() *Metrics { return New(prometheus.NewRegistry()) }

func (m *Metrics) RunFinished(run *models.Run) {
	m.runsFinished.WithLabelValues(run.Target, string(run.State)).Inc()
	if run.StartedAt != nil && run.FinishedAt != nil {
		m.runDuration.WithLabelValues(string(run.State)).Observe(run.FinishedAt.Sub(*run.StartedAt).Seconds())
	}
}

func (m *Metrics) StageAttempt(stage models.StageName, status models.StageStatus, kind string, took time.Duration) {
	m.stageDuration.WithLabelValues(string(stage), string(status)).Observe(took.Seconds())
	if status == models.StageFailed {
		m.stageFailures.WithLabelValues(string(stage), kind).Inc()
	}
}

func (m *Metrics) Trigger(outcome string) {
	m.triggers.WithLabelValues(outcome).Inc()
}
