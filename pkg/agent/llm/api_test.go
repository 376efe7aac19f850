package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// mockLLMClient is a simple mock implementation for testing.
type mockLLMClient struct {
	completeFunc     func(context.Context, CompletionRequest) (CompletionResponse, error)
	getModelNameFunc func() string
}

func (m *mockLLMClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	return CompletionResponse{Content: "mock response"}, nil
}

func (m *mockLLMClient) GetModelName() string {
	if m.getModelNameFunc != nil {
		return m.getModelNameFunc()
	}
	return "mock-model"
}

func TestNewCompletionRequest(t *testing.T) {
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("hi")})

	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.InDelta(t, TemperatureExploration, req.Temperature, 1e-6)
	assert.Len(t, req.Messages, 1)
}

func TestMessageConstructors(t *testing.T) {
	sys := NewSystemMessage("rules")
	user := NewUserMessage("task")

	assert.Equal(t, RoleSystem, sys.Role)
	assert.Equal(t, "rules", sys.Content)
	assert.Equal(t, RoleUser, user.Role)
	assert.Equal(t, "task", user.Content)
}

func TestUsageReported(t *testing.T) {
	assert.False(t, Usage{}.Reported())
	assert.True(t, Usage{PromptTokens: 42}.Reported())
	assert.True(t, Usage{CompletionTokens: 7}.Reported())
}
