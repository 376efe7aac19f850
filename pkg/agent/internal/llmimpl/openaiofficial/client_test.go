package openaiofficial

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
)

func TestNewOfficialClientWithModel(t *testing.T) {
	client := NewOfficialClientWithModel("test-api-key", "gpt-4o")
	require.NotNil(t, client)
	assert.Equal(t, "gpt-4o", client.GetModelName())
}

func TestSupportsTemperature(t *testing.T) {
	assert.True(t, supportsTemperature("gpt-4o"))
	assert.True(t, supportsTemperature("gpt-4.1-mini"))
	assert.False(t, supportsTemperature("o3"))
	assert.False(t, supportsTemperature("o4-mini"))
	assert.False(t, supportsTemperature("gpt-5"))
}

func TestBuildInput(t *testing.T) {
	instructions, input, err := buildInput([]llm.CompletionMessage{
		llm.NewSystemMessage("End with Final Answer."),
		llm.NewUserMessage("A train leaves at 8:15 AM."),
	})
	require.NoError(t, err)
	assert.Equal(t, "End with Final Answer.", instructions)
	assert.Equal(t, "A train leaves at 8:15 AM.", input)

	_, _, err = buildInput([]llm.CompletionMessage{llm.NewSystemMessage("only")})
	assert.Error(t, err)
}

func newTestServer(t *testing.T, status int, body string, captured *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		if captured != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(captured))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteAgainstServer(t *testing.T) {
	var body map[string]any
	srv := newTestServer(t, http.StatusOK, `{
		"id": "resp_1",
		"object": "response",
		"created_at": 1,
		"status": "completed",
		"model": "gpt-4o",
		"output": [{
			"type": "message",
			"id": "msg_1",
			"status": "completed",
			"role": "assistant",
			"content": [{"type": "output_text", "text": "Final Answer: 9:00 AM", "annotations": []}]
		}],
		"usage": {
			"input_tokens": 25,
			"input_tokens_details": {"cached_tokens": 0},
			"output_tokens": 9,
			"output_tokens_details": {"reasoning_tokens": 0},
			"total_tokens": 34
		}
	}`, &body)

	client := NewOfficialClientWithModel("test-key", "gpt-4o", option.WithBaseURL(srv.URL+"/"))
	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("End with Final Answer."),
		llm.NewUserMessage("A train leaves at 8:15 AM."),
	}))
	require.NoError(t, err)
	assert.Equal(t, "Final Answer: 9:00 AM", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, llm.Usage{PromptTokens: 25, CompletionTokens: 9}, resp.Usage)

	assert.Equal(t, "gpt-4o", body["model"])
	assert.Equal(t, "End with Final Answer.", body["instructions"])
	assert.InDelta(t, 0.7, body["temperature"], 0.001)
}

func TestCompleteServerError(t *testing.T) {
	srv := newTestServer(t, http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`, nil)

	client := NewOfficialClientWithModel("test-key", "gpt-4o", option.WithBaseURL(srv.URL+"/"))
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
}

func TestCompleteCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := newTestServer(t, http.StatusOK, `{}`, nil)
	client := NewOfficialClientWithModel("test-key", "gpt-4o", option.WithBaseURL(srv.URL+"/"))
	_, err := client.Complete(ctx, llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	assert.ErrorIs(t, err, context.Canceled)
}
