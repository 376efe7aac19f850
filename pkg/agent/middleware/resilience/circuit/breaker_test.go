package circuit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var errProvider = llmerrors.NewError(llmerrors.ErrorTypeTransient, "502 from upstream")

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	return newWithClock("ollama", cfg, clock.now), clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second})

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Record(errProvider)
		assert.Equal(t, Closed, b.State())
	}
	require.NoError(t, b.Allow())
	b.Record(errProvider)
	assert.Equal(t, Open, b.State())

	var rejected *Error
	require.ErrorAs(t, b.Allow(), &rejected)
	assert.Equal(t, "ollama", rejected.Provider)
	assert.Equal(t, Open, rejected.State)
	assert.Equal(t, time.Second, rejected.RetryAfter)
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second})

	b.Record(errProvider)
	b.Record(nil)
	b.Record(errProvider)
	assert.Equal(t, Closed, b.State())
}

func TestBreakerIgnoresCallerFaults(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1, Timeout: time.Second})

	b.Record(llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "prompt too long"))
	b.Record(fmt.Errorf("sampling stopped: %w", context.Canceled))
	assert.Equal(t, Closed, b.State())

	b.Record(llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "model returned an empty completion"))
	assert.Equal(t, Closed, b.State(), "a blank completion is a bad sample, not a provider outage")

	b.Record(llmerrors.NewServiceUnavailableError(errProvider, 3))
	assert.Equal(t, Open, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: 10 * time.Second})

	b.Record(errProvider)
	require.Equal(t, Open, b.State())

	clock.advance(4 * time.Second)
	var rejected *Error
	require.ErrorAs(t, b.Allow(), &rejected)
	assert.Equal(t, 6*time.Second, rejected.RetryAfter)

	clock.advance(6 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())

	// Only one probe at a time.
	require.ErrorAs(t, b.Allow(), &rejected)
	assert.Equal(t, HalfOpen, rejected.State)

	b.Record(nil)
	assert.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Allow())
	b.Record(nil)
	assert.Equal(t, Closed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Second})

	b.Record(errProvider)
	clock.advance(time.Second)
	require.NoError(t, b.Allow())

	b.Record(errProvider)
	assert.Equal(t, Open, b.State())
	assert.Error(t, b.Allow())
}

func TestMiddlewareRejectsWhenOpen(t *testing.T) {
	calls := 0
	failing := errors.New("boom")
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			calls++
			return llm.CompletionResponse{}, failing
		},
		func() string { return "phi4" },
	)

	client := Middleware(New("ollama", Config{FailureThreshold: 2, Timeout: time.Hour}))(base)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := client.Complete(ctx, llm.CompletionRequest{})
		assert.ErrorIs(t, err, failing)
	}

	_, err := client.Complete(ctx, llm.CompletionRequest{})
	assert.True(t, llmerrors.IsServiceUnavailable(err))
	var open *Error
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "ollama", open.Provider)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "phi4", client.GetModelName())
}
