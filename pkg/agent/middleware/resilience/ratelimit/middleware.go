package ratelimit

import (
	"context"
	"time"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/middleware/metrics"
	"maker/pkg/oracle"
)

// Middleware acquires prompt+max-output tokens from limiter before every request.
func Middleware(limiter Limiter, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()
				totalTokens := estimator.EstimatePrompt(model, req) + req.MaxTokens

				waitStart := time.Now()
				release, err := limiter.Acquire(ctx, totalTokens, oracle.StageFromContext(ctx))
				recorder.ObserveQueueWait(model, time.Since(waitStart))
				if err != nil {
					recorder.IncThrottle(model, "rate_limit")
					return llm.CompletionResponse{}, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				defer release()

				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}
