package retry

import (
	"context"
	"fmt"
	"time"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
	"maker/pkg/logx"
)

// Middleware retries retryable failures with backoff. Once the attempts run
// out the last error is wrapped as service-unavailable. Non-retryable errors
// and the caller's cancellation are returned unchanged.
func Middleware(policy *Policy) llm.Middleware {
	logger := logx.NewLogger("retry")
	maxAttempts := policy.Config.MaxAttempts

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error
				for attempt := 1; attempt <= maxAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					if ctx.Err() != nil || !policy.ShouldRetry(err) {
						return llm.CompletionResponse{}, err
					}
					lastErr = err
					if attempt == maxAttempts {
						break
					}

					delay := policy.CalculateDelay(attempt + 1)
					logger.Debug("%s: attempt %d/%d failed (%s), retrying in %s",
						next.GetModelName(), attempt, maxAttempts, llmerrors.TypeOf(err), delay)
					if err := sleep(ctx, delay); err != nil {
						return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", err)
					}
				}
				return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, maxAttempts)
			},
			next.GetModelName,
		)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // wrapped by the caller
	case <-timer.C:
		return nil
	}
}
