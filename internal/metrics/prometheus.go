// Package metrics exposes diagnosis engine activity as prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cf-diagnosis-engine/internal/domain"
)

const defaultNamespace = "cfdiag"

// Recorder implements domain.MetricsRecorder with prometheus collectors.
type Recorder struct {
	SessionsStarted     prometheus.Counter
	AssertionsTotal     prometheus.Counter
	EvaluationsTotal    *prometheus.CounterVec
	EvaluationDuration  prometheus.Histogram
	BestCertainty       prometheus.Histogram
	DiseasesScored      prometheus.Histogram
	SessionsPurgedTotal prometheus.Counter
}

// NewRecorder creates the collectors and registers them on reg. An empty
// namespace defaults to "cfdiag".
func NewRecorder(namespace string, reg prometheus.Registerer) (*Recorder, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}

	r := &Recorder{
		SessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_started_total",
				Help:      "Total number of diagnosis sessions started",
			},
		),
		AssertionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assertions_applied_total",
				Help:      "Total symptom assertions applied to sessions after unknown ids and in-batch repeats are dropped",
			},
		),
		EvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of certainty factor evaluations",
			},
			[]string{"outcome"},
		),
		EvaluationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Certainty factor evaluation duration in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
		),
		BestCertainty: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "best_certainty",
				Help:      "Combined certainty of the selected diagnosis",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),
		DiseasesScored: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "diseases_scored",
				Help:      "Number of diseases with positive certainty per evaluation",
				Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
			},
		),
		SessionsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_purged_total",
				Help:      "Total number of stale sessions purged",
			},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			r.SessionsStarted,
			r.AssertionsTotal,
			r.EvaluationsTotal,
			r.EvaluationDuration,
			r.BestCertainty,
			r.DiseasesScored,
			r.SessionsPurgedTotal,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// SessionStarted counts a new diagnosis session.
func (r *Recorder) SessionStarted() {
	r.SessionsStarted.Inc()
}

// AssertionsMerged adds the assertions applied by an accepted batch.
func (r *Recorder) AssertionsMerged(count int) {
	r.AssertionsTotal.Add(float64(count))
}

// DiagnosisEvaluated records one evaluation. A nil result marks a failed
// evaluation and is counted with outcome "error".
func (r *Recorder) DiagnosisEvaluated(result *domain.DiagnosisResult, duration time.Duration) {
	r.EvaluationDuration.Observe(duration.Seconds())
	if result == nil {
		r.EvaluationsTotal.WithLabelValues("error").Inc()
		return
	}
	r.DiseasesScored.Observe(float64(len(result.PerDisease)))
	if result.Best == nil {
		r.EvaluationsTotal.WithLabelValues("undiagnosed").Inc()
		return
	}
	r.EvaluationsTotal.WithLabelValues("diagnosed").Inc()
	r.BestCertainty.Observe(result.Best.CombinedCertainty)
}

// SessionsPurged adds the number of stale sessions removed by a cleanup.
func (r *Recorder) SessionsPurged(count int) {
	r.SessionsPurgedTotal.Add(float64(count))
}

var _ domain.MetricsRecorder = (*Recorder)(nil)
