// Package consensus implements majority-margin voting over a stochastic oracle.
//
// A Loop samples the oracle for one task, extracts an answer key from every
// response and stops as soon as the leading key is ahead of the runner-up by
// the requested margin. If the attempt budget runs out first, the plurality
// key is returned with Converged() == false.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"maker/pkg/answer"
	"maker/pkg/logx"
	"maker/pkg/oracle"
	"maker/pkg/tally"
)

const (
	DefaultMargin      = 3
	DefaultMaxAttempts = 15
	// DefaultTemperature is high enough that repeated samples disagree.
	DefaultTemperature float32 = 0.7
)

// Loop drives repeated oracle calls for a single task. A Loop holds no
// per-run state and may be reused, including concurrently.
type Loop struct {
	oracle           oracle.Oracle
	extractor        answer.Extractor
	temperature      float32
	batchSize        int
	maxParseFailures int
	recorder         Recorder
	logger           *logx.Logger
}

// New creates a Loop around o.
func New(o oracle.Oracle, opts ...Option) *Loop {
	l := &Loop{
		oracle:      o,
		extractor:   answer.NewClockExtractor("", false),
		temperature: DefaultTemperature,
		batchSize:   1,
		recorder:    NopRecorder{},
		logger:      logx.NewLogger("consensus"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// run is the state of one Run invocation.
type run struct {
	loop        *Loop
	logCtx      context.Context //nolint:containedctx // debug logging only
	stage       string
	margin      int
	tally       *tally.Tally
	res         Result
	consecutive int
}

// Run samples the oracle until the leader's margin reaches margin or
// maxAttempts oracle calls have been made.
//
// Unparseable samples consume an attempt but never a vote. An oracle error
// aborts the run immediately with *OracleError. A run that ends with zero
// votes fails with *NoVotesError.
func (l *Loop) Run(ctx context.Context, task string, margin, maxAttempts int) (Result, error) {
	if margin < 1 || maxAttempts < 1 {
		return Result{State: Exhausted}, fmt.Errorf("%w (margin=%d, max attempts=%d)",
			ErrInvalidParams, margin, maxAttempts)
	}

	start := time.Now()
	r := &run{
		loop:   l,
		logCtx: logx.WithComponent(ctx, "consensus"),
		stage:  oracle.StageFromContext(ctx),
		margin: margin,
		tally:  tally.New(),
		res:    Result{State: Sampling},
	}

	var err error
	if l.batchSize > 1 {
		err = r.sampleBatched(ctx, task, maxAttempts)
	} else {
		err = r.sampleSequential(ctx, task, maxAttempts)
	}
	return r.finish(start, maxAttempts, err)
}

func (r *run) sampleSequential(ctx context.Context, task string, maxAttempts int) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("consensus cancelled before attempt %d: %w", attempt, err)
		}

		raw, err := r.loop.oracle.Generate(ctx, task, r.loop.temperature)
		r.res.Attempts = attempt
		if err != nil {
			return r.oracleFailure(ctx, attempt, err)
		}

		if err := r.accept(Sample{Attempt: attempt, Raw: raw, Key: r.loop.extractor.Extract(raw)}); err != nil {
			return err
		}
		if r.converged() {
			return nil
		}
	}
	return nil
}

// sampleBatched issues up to batchSize calls at once, records their samples
// in attempt order and applies the stopping rule once per batch.
func (r *run) sampleBatched(ctx context.Context, task string, maxAttempts int) error {
	for done := 0; done < maxAttempts; {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("consensus cancelled before attempt %d: %w", done+1, err)
		}

		n := min(r.loop.batchSize, maxAttempts-done)
		draws, firstFailure := r.drawBatch(ctx, task, n)
		r.res.Attempts = done + n

		for i, d := range draws {
			if d.err != nil {
				return r.oracleFailure(ctx, done+firstFailure+1, draws[firstFailure].err)
			}
			attempt := done + i + 1
			if err := r.accept(Sample{Attempt: attempt, Raw: d.raw, Key: r.loop.extractor.Extract(d.raw)}); err != nil {
				return err
			}
		}

		done += n
		if r.converged() {
			return nil
		}
	}
	return nil
}

type draw struct {
	raw string
	err error
}

// drawBatch returns n oracle responses in attempt order and the index of the
// first call to fail, or -1. A failure cancels the calls still in flight.
func (r *run) drawBatch(ctx context.Context, task string, n int) ([]draw, int) {
	draws := make([]draw, n)
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	firstFailure := -1

	for i := 0; i < n; i++ {
		g.Go(func() error {
			raw, err := r.loop.oracle.Generate(gctx, task, r.loop.temperature)
			draws[i] = draw{raw: raw, err: err}
			if err != nil {
				mu.Lock()
				if firstFailure < 0 {
					firstFailure = i
				}
				mu.Unlock()
			}
			return err
		})
	}
	_ = g.Wait() // failures are read from draws

	return draws, firstFailure
}

func (r *run) oracleFailure(ctx context.Context, attempt int, err error) error {
	r.loop.recorder.ObserveSample(r.stage, OutcomeOracleError)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("consensus cancelled on attempt %d: %w", attempt, ctxErr)
	}
	return &OracleError{Attempt: attempt, Err: err}
}

// accept applies one sample to the tally.
func (r *run) accept(s Sample) error {
	if !s.Key.Valid() {
		r.res.Discarded++
		r.consecutive++
		r.loop.recorder.ObserveSample(r.stage, OutcomeUnparseable)
		logx.Debug(r.logCtx, "consensus", "attempt %d: no parseable answer, sample discarded", s.Attempt)

		if limit := r.loop.maxParseFailures; limit > 0 && r.consecutive >= limit {
			return &DegradedError{Attempt: s.Attempt, ConsecutiveFailures: r.consecutive}
		}
		return nil
	}

	r.consecutive = 0
	if err := r.tally.Record(s.Key); err != nil {
		return fmt.Errorf("record attempt %d: %w", s.Attempt, err)
	}
	r.res.Votes++
	r.loop.recorder.ObserveSample(r.stage, OutcomeVote)

	standings := r.tally.Standings()
	logx.Debug(r.logCtx, "consensus", "attempt %d: extracted %s | leader %s (ahead by %d)",
		s.Attempt, s.Key, standings.Leader(), standings.Margin())
	return nil
}

func (r *run) converged() bool {
	if r.tally.Total() == 0 {
		return false
	}
	if r.tally.Standings().Margin() >= r.margin {
		r.res.State = Converged
		return true
	}
	return false
}

func (r *run) finish(start time.Time, maxAttempts int, err error) (Result, error) {
	r.res.Standings = r.tally.Standings()
	r.res.Duration = time.Since(start)

	if err == nil && r.res.State != Converged {
		r.res.State = Exhausted
		if r.res.Votes == 0 {
			err = &NoVotesError{Attempts: r.res.Attempts}
		}
	}

	logger := r.loop.logger
	switch {
	case err != nil:
		r.res.State = Exhausted
		r.res.Key = answer.Unparseable
		logger.Warn("stage %q failed after %d attempts: %v", r.stage, r.res.Attempts, err)
	case r.res.State == Converged:
		r.res.Key = r.res.Standings.Leader()
		logger.Info("converged on %s after %d attempts (votes %d, discarded %d, margin %d)",
			r.res.Key, r.res.Attempts, r.res.Votes, r.res.Discarded, r.res.Standings.Margin())
	default:
		r.res.Key = r.res.Standings.Leader()
		logger.Warn("max attempts (%d) reached without margin %d; using plurality %s (margin %d)",
			maxAttempts, r.margin, r.res.Key, r.res.Standings.Margin())
	}

	r.loop.recorder.ObserveRun(r.stage, r.res, err)
	return r.res, err
}
