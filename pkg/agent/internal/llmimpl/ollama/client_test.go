package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"syscall"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
)

func TestNewOllamaClientWithModel(t *testing.T) {
	tests := []struct {
		name     string
		hostURL  string
		model    string
		wantHost string
	}{
		{"valid host and model", "http://localhost:11434", "phi4:latest", "http://localhost:11434"},
		{"custom host", "http://192.168.1.100:11434", "llama3.1:8b", "http://192.168.1.100:11434"},
		{"invalid URL falls back to default", "not-a-valid-url", "mistral:7b", DefaultHost},
		{"empty host falls back to default", "", "phi4", DefaultHost},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newClient(tt.hostURL, tt.model, http.DefaultClient)
			require.NotNil(t, client)
			assert.Equal(t, tt.model, client.GetModelName())
			assert.Equal(t, tt.wantHost, client.hostURL)
		})
	}
}

func TestToChatMessages(t *testing.T) {
	_, err := toChatMessages(nil)
	assert.Error(t, err)

	_, err = toChatMessages([]llm.CompletionMessage{{Content: "no role"}})
	assert.Error(t, err)

	msgs, err := toChatMessages([]llm.CompletionMessage{
		llm.NewSystemMessage("You are a scheduling assistant."),
		llm.NewUserMessage("When does the train arrive?"),
	})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "When does the train arrive?", msgs[1].Content)
}

func TestGetStopReason(t *testing.T) {
	tests := []struct {
		resp api.ChatResponse
		want string
	}{
		{api.ChatResponse{Done: false}, "incomplete"},
		{api.ChatResponse{Done: true, DoneReason: "stop"}, "end_turn"},
		{api.ChatResponse{Done: true}, "end_turn"},
		{api.ChatResponse{Done: true, DoneReason: "length"}, "max_tokens"},
		{api.ChatResponse{Done: true, DoneReason: "load"}, "load"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, getStopReason(&tt.resp))
	}
}

func TestClassifyError(t *testing.T) {
	assert.NoError(t, classifyError(nil))

	err := classifyError(context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, llmerrors.ErrorTypeUnknown, llmerrors.TypeOf(err), "cancellation is not classified")

	err = classifyError(&net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))

	err = classifyError(api.StatusError{StatusCode: http.StatusNotFound, Status: "404 Not Found"})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))

	err = classifyError(errors.New(`model "phi9" not found, try pulling it first`))
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt))

	err = classifyError(api.StatusError{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeRateLimit))

	err = classifyError(api.StatusError{StatusCode: http.StatusBadGateway, Status: "502 Bad Gateway"})
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
}

func TestCompleteAgainstServer(t *testing.T) {
	var got api.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "phi4",
			"message":           map[string]any{"role": "assistant", "content": "45 minutes after 8:15.\nFinal Answer: 9:00 AM"},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 31,
			"eval_count":        14,
		})
	}))
	defer srv.Close()

	client := newClient(srv.URL, "phi4", srv.Client())
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage("End with Final Answer."),
		llm.NewUserMessage("A train leaves at 8:15 AM."),
	})

	resp, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "45 minutes after 8:15.\nFinal Answer: 9:00 AM", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, llm.Usage{PromptTokens: 31, CompletionTokens: 14}, resp.Usage)

	assert.Equal(t, "phi4", got.Model)
	require.Len(t, got.Messages, 2)
	assert.InDelta(t, 0.7, got.Options["temperature"], 0.001)
	assert.InDelta(t, float64(llm.DefaultMaxTokens), got.Options["num_predict"], 0.001)
}

func TestCompleteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"server busy"}`))
	}))
	defer srv.Close()

	client := newClient(srv.URL, "phi4", srv.Client())
	_, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{llm.NewUserMessage("hi")}))
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeTransient))
}
