package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed triage runs.
	OutcomeSuccess = "success"
	// OutcomeError labels runs that failed before producing a report.
	OutcomeError = "error"
)

var (
	triageRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "triage_engine",
			Name:      "runs_total",
			Help:      "Total number of triage runs handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	triageDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "triage_engine",
			Name:      "run_seconds",
			Help:      "Triage run latency in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90, 120},
		},
	)

	degradedRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triage_engine",
			Name:      "degraded_runs_total",
			Help:      "Runs that fell back to rule-based analysis.",
		},
	)

	decisionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "triage_engine",
			Name:      "decision_retries_total",
			Help:      "Decision attempts beyond the first, across all runs.",
		},
	)

	evidenceQuality = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "triage_engine",
			Name:      "evidence_quality",
			Help:      "Evidence quality score per run.",
			Buckets:   []float64{0.1, 0.35, 0.4, 0.5, 0.8, 0.85, 0.95, 1},
		},
	)
)

// Register attaches triage-engine collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		triageRunsTotal,
		triageDurationSeconds,
		degradedRunsTotal,
		decisionRetriesTotal,
		evidenceQuality,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records one finished triage run.
func ObserveRun(duration time.Duration, outcome string, degraded bool, attempts int, quality float64) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	triageRunsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	triageDurationSeconds.Observe(duration.Seconds())
	if degraded {
		degradedRunsTotal.Inc()
	}
	if attempts > 1 {
		decisionRetriesTotal.Add(float64(attempts - 1))
	}
	if label == OutcomeSuccess {
		evidenceQuality.Observe(quality)
	}
}
