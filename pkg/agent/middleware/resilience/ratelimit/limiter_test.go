package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker/pkg/agent/llm"
)

func TestTokenBucketRefill(t *testing.T) {
	limiter := NewTokenBucketLimiter("ollama", Config{TokensPerMinute: 6000, MaxConcurrency: 5})

	// 90% of 6000
	require.Equal(t, 5400, limiter.GetStats().AvailableTokens)

	release, err := limiter.Acquire(context.Background(), 3000, "depart")
	require.NoError(t, err)
	defer release()
	assert.Equal(t, 2400, limiter.GetStats().AvailableTokens)

	limiter.refill()
	assert.Equal(t, 3000, limiter.GetStats().AvailableTokens)
}

func TestTokenBucketCapacity(t *testing.T) {
	limiter := NewTokenBucketLimiter("ollama", Config{TokensPerMinute: 1000, MaxConcurrency: 1})

	limiter.refill()
	assert.Equal(t, 900, limiter.GetStats().AvailableTokens)
}

func TestAcquireRejectsImpossibleRequest(t *testing.T) {
	limiter := NewTokenBucketLimiter("ollama", Config{TokensPerMinute: 1000, MaxConcurrency: 1})

	_, err := limiter.Acquire(context.Background(), 901, "big")
	assert.Error(t, err)
}

func TestConcurrencyLimiting(t *testing.T) {
	limiter := NewTokenBucketLimiter("ollama", Config{TokensPerMinute: 100000, MaxConcurrency: 2})
	ctx := context.Background()

	r1, err := limiter.Acquire(ctx, 10, "a")
	require.NoError(t, err)
	r2, err := limiter.Acquire(ctx, 10, "b")
	require.NoError(t, err)

	blockedCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	_, err = limiter.Acquire(blockedCtx, 10, "c")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), limiter.GetStats().ConcurrencyHits)

	r1()
	r3, err := limiter.Acquire(ctx, 10, "c")
	require.NoError(t, err)

	r2()
	r3()
	assert.Equal(t, 0, limiter.GetStats().ActiveRequests)
}

func TestReleaseIsIdempotent(t *testing.T) {
	limiter := NewTokenBucketLimiter("ollama", Config{TokensPerMinute: 10000, MaxConcurrency: 2})

	release, err := limiter.Acquire(context.Background(), 1, "a")
	require.NoError(t, err)
	release()
	release()
	assert.Equal(t, 0, limiter.GetStats().ActiveRequests)
}

func TestRefillWakesTokenWaiter(t *testing.T) {
	limiter := NewTokenBucketLimiter("ollama", Config{TokensPerMinute: 1000, MaxConcurrency: 4})

	release, err := limiter.Acquire(context.Background(), 900, "drain")
	require.NoError(t, err)
	release()

	done := make(chan error, 1)
	go func() {
		r, err := limiter.Acquire(context.Background(), 100, "waiter")
		if err == nil {
			r()
		}
		done <- err
	}()

	assert.Eventually(t, func() bool { return limiter.GetStats().TokenLimitHits == 1 }, time.Second, 5*time.Millisecond)
	limiter.refill()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by refill")
	}
	assert.Equal(t, 0, limiter.GetStats().AvailableTokens)
}

func TestAcquireMaxWait(t *testing.T) {
	limiter := NewTokenBucketLimiter("ollama", Config{TokensPerMinute: 1000, MaxConcurrency: 1, MaxWait: 30 * time.Millisecond})

	release, err := limiter.Acquire(context.Background(), 1, "holder")
	require.NoError(t, err)
	defer release()

	_, err = limiter.Acquire(context.Background(), 1, "late")
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "rate limit acquisition timeout")
}

func TestMiddlewareBoundsConcurrency(t *testing.T) {
	limiter := NewTokenBucketLimiter("ollama", Config{TokensPerMinute: 1000000, MaxConcurrency: 2})

	var active, peak int32
	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return llm.CompletionResponse{Content: "ok"}, nil
		},
		func() string { return "phi4" },
	)
	client := Middleware(limiter, nil, nil)(base)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Complete(context.Background(), llm.NewCompletionRequest(
				[]llm.CompletionMessage{llm.NewUserMessage("task")}))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 0, limiter.GetStats().ActiveRequests)
}

func TestProviderLimiterMap(t *testing.T) {
	m := NewProviderLimiterMap(context.Background(), map[string]Config{
		"ollama":    {TokensPerMinute: 1000, MaxConcurrency: 1},
		"anthropic": {TokensPerMinute: 2000, MaxConcurrency: 4},
	})
	defer m.Stop()

	l, err := m.GetLimiter("anthropic")
	require.NoError(t, err)
	assert.Equal(t, 4, l.GetStats().MaxConcurrency)

	_, err = m.GetLimiter("google")
	assert.Error(t, err)
	assert.Len(t, m.GetAllStats(), 2)
}
