package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker/pkg/consensus"
	"maker/pkg/oracle"
)

func TestConsensusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewConsensusRecorder(reg)

	r.ObserveSample("arrive-b", consensus.OutcomeVote)
	r.ObserveSample("arrive-b", consensus.OutcomeVote)
	r.ObserveSample("arrive-b", consensus.OutcomeUnparseable)
	r.ObserveRun("arrive-b", consensus.Result{Attempts: 3, State: consensus.Converged, Duration: time.Second}, nil)
	r.ObserveRun("depart-b", consensus.Result{Attempts: 15}, &consensus.NoVotesError{Attempts: 15})

	assert.InDelta(t, 2, testutil.ToFloat64(r.samplesTotal.WithLabelValues("arrive-b", "vote")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.samplesTotal.WithLabelValues("arrive-b", "unparseable")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.runsTotal.WithLabelValues("arrive-b", ResultConverged)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.runsTotal.WithLabelValues("depart-b", ResultNoVotes)), 0)

	count, err := testutil.GatherAndCount(reg, "maker_consensus_final_margin")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "failed runs do not report a margin")
}

func TestRunResult(t *testing.T) {
	tests := []struct {
		name string
		res  consensus.Result
		err  error
		want string
	}{
		{"converged", consensus.Result{State: consensus.Converged}, nil, ResultConverged},
		{"exhausted", consensus.Result{State: consensus.Exhausted}, nil, ResultExhausted},
		{"no votes", consensus.Result{}, &consensus.NoVotesError{Attempts: 15}, ResultNoVotes},
		{"degraded", consensus.Result{}, &consensus.DegradedError{ConsecutiveFailures: 5, Attempt: 5}, ResultDegraded},
		{"oracle", consensus.Result{}, &consensus.OracleError{Attempt: 1, Err: oracle.Unavailable(errors.New("down"))}, ResultOracle},
		{"canceled", consensus.Result{}, fmt.Errorf("stage: %w", context.Canceled), ResultCanceled},
		{"other", consensus.Result{}, consensus.ErrInvalidParams, ResultError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RunResult(tt.res, tt.err))
		})
	}
}
