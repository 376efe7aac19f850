// Package metrics exports consensus metrics to Prometheus and queries them back.
package metrics

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"maker/pkg/consensus"
)

// Run results used as the "result" label of maker_consensus_runs_total.
const (
	ResultConverged = "converged"
	ResultExhausted = "exhausted"
	ResultNoVotes   = "no_votes"
	ResultDegraded  = "degraded"
	ResultOracle    = "oracle_error"
	ResultCanceled  = "canceled"
	ResultError     = "error"
)

// ConsensusRecorder implements consensus.Recorder with Prometheus metrics.
type ConsensusRecorder struct {
	samplesTotal *prometheus.CounterVec
	runsTotal    *prometheus.CounterVec
	attempts     *prometheus.HistogramVec
	margin       *prometheus.HistogramVec
	runDuration  *prometheus.HistogramVec
}

// NewConsensusRecorder registers the consensus metrics with reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewConsensusRecorder(reg prometheus.Registerer) *ConsensusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &ConsensusRecorder{
		samplesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maker_consensus_samples_total",
				Help: "Oracle samples by stage and outcome (vote, unparseable, oracle_error)",
			},
			[]string{"stage", "outcome"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maker_consensus_runs_total",
				Help: "Finished consensus runs by stage and result",
			},
			[]string{"stage", "result"},
		),
		attempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maker_consensus_attempts",
				Help:    "Oracle calls spent per consensus run",
				Buckets: prometheus.LinearBuckets(1, 2, 10),
			},
			[]string{"stage"},
		),
		margin: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maker_consensus_final_margin",
				Help:    "Leader lead over the runner-up when a run finished",
				Buckets: prometheus.LinearBuckets(0, 1, 8),
			},
			[]string{"stage"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maker_consensus_run_duration_seconds",
				Help:    "Wall time of consensus runs",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"stage"},
		),
	}
}

// ObserveSample implements consensus.Recorder.
func (r *ConsensusRecorder) ObserveSample(stage string, outcome consensus.Outcome) {
	r.samplesTotal.WithLabelValues(stage, string(outcome)).Inc()
}

// ObserveRun implements consensus.Recorder.
func (r *ConsensusRecorder) ObserveRun(stage string, res consensus.Result, err error) {
	r.runsTotal.WithLabelValues(stage, RunResult(res, err)).Inc()
	r.attempts.WithLabelValues(stage).Observe(float64(res.Attempts))
	r.runDuration.WithLabelValues(stage).Observe(res.Duration.Seconds())
	if err == nil {
		r.margin.WithLabelValues(stage).Observe(float64(res.Margin()))
	}
}

// RunResult maps a finished run to its result label.
func RunResult(res consensus.Result, err error) string {
	var oracleErr *consensus.OracleError
	switch {
	case err == nil && res.Converged():
		return ResultConverged
	case err == nil:
		return ResultExhausted
	case errors.Is(err, consensus.ErrNoVotes):
		return ResultNoVotes
	case errors.Is(err, consensus.ErrDegradedOracle):
		return ResultDegraded
	case errors.As(err, &oracleErr):
		return ResultOracle
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ResultCanceled
	default:
		return ResultError
	}
}
