// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"strings"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
	"maker/pkg/logx"
)

// EmptyResponseValidator turns blank completions into ErrorTypeEmptyResponse
// errors. The request is never resent.
type EmptyResponseValidator struct {
	logger *logx.Logger
}

// NewEmptyResponseValidator creates a validator.
func NewEmptyResponseValidator() *EmptyResponseValidator {
	return &EmptyResponseValidator{
		logger: logx.NewLogger("empty-response-validator"),
	}
}

// Middleware returns a middleware that classifies whitespace-only responses.
// Provider errors pass through unchanged.
func (v *EmptyResponseValidator) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
					return resp, err
				}
				if strings.TrimSpace(resp.Content) != "" {
					return resp, nil
				}

				v.logger.Warn("empty response from %s (stop reason %q)", next.GetModelName(), resp.StopReason)
				return resp, llmerrors.NewError(
					llmerrors.ErrorTypeEmptyResponse,
					"model returned an empty completion",
				)
			},
			next.GetModelName,
		)
	}
}
