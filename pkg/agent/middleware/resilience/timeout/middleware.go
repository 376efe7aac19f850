// Package timeout bounds each completion request.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
)

// Middleware gives every request its own deadline. A request cut short by
// that deadline, rather than the caller's, fails with a transient error so
// retry can try again. A non-positive duration disables the middleware.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				reqCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				resp, err := next.Complete(reqCtx, req)
				if err != nil && ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
					return resp, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err,
						fmt.Sprintf("%s did not answer within %s", next.GetModelName(), duration))
				}
				return resp, err //nolint:wrapcheck // passed through unchanged
			},
			next.GetModelName,
		)
	}
}
