package metrics

import (
	"context"
	"errors"
	"time"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
	"maker/pkg/logx"
	"maker/pkg/oracle"
	"maker/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor returns the prompt and completion tokens of a successful request.
type UsageExtractor func(model string, req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor uses the usage the provider reported and falls back
// to a tiktoken estimate when there is none.
func DefaultUsageExtractor(model string, req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	if resp.Usage.Reported() {
		return resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	for i := range req.Messages {
		promptTokens += utils.CountTokens(model, req.Messages[i].Content)
	}
	return promptTokens, utils.CountTokens(model, resp.Content)
}

// Middleware records latency, token usage and outcome of every request under
// the stage label carried by ctx. A nil logger disables the per-request line.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()
				stage := oracle.StageFromContext(ctx)

				start := time.Now()
				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				errorType := ""
				if err == nil {
					promptTokens, completionTokens = usageExtractor(model, req, resp)
				} else {
					errorType = getErrorType(err)
				}
				recorder.ObserveRequest(model, stage, promptTokens, completionTokens, err == nil, errorType, duration)

				if logger != nil {
					outcome := "ok"
					if err != nil {
						outcome = errorType
					}
					logger.Debug("%s stage=%q tokens=%d+%d %s in %dms",
						model, stage, promptTokens, completionTokens, outcome, duration.Milliseconds())
				}
				return resp, err //nolint:wrapcheck // passed through unchanged
			},
			next.GetModelName,
		)
	}
}

// getErrorType is the error_type label for a failed request.
func getErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "canceled"
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.Type.String()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}
