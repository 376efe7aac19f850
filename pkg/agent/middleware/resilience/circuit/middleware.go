package circuit

import (
	"context"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
)

// Middleware rejects requests while the breaker is open. Rejections are
// reported as service-unavailable so callers stop sampling instead of retrying.
func Middleware(breaker *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if rejected := breaker.Allow(); rejected != nil {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(
						llmerrors.ErrorTypeServiceUnavailable, rejected, rejected.Error())
				}

				resp, err := next.Complete(ctx, req)
				breaker.Record(err)
				return resp, err //nolint:wrapcheck // passed through unchanged
			},
			next.GetModelName,
		)
	}
}
