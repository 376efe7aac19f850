package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker/pkg/config"
	"maker/pkg/oracle"
)

func newTestFactory(t *testing.T, cfg *config.Config) *ClientFactory {
	t.Helper()
	factory, err := NewClientFactory(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(factory.Close)
	return factory
}

// ollamaServer answers /api/chat with content, counting requests.
func ollamaServer(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "phi4",
			"message":           map[string]any{"role": "assistant", "content": content},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 40,
			"eval_count":        12,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewClientFactoryRejectsNilConfig(t *testing.T) {
	_, err := NewClientFactory(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestCreateOracleScripted(t *testing.T) {
	cfg := config.Default()
	cfg.Oracle.Provider = config.ProviderScripted
	cfg.Oracle.Script = config.ScriptConfig{
		Cycle: true,
		Rules: []oracle.Rule{{Responses: []string{"Final Answer: 9:00 AM"}}},
	}

	o, err := newTestFactory(t, cfg).CreateOracle()
	require.NoError(t, err)

	for range 3 {
		text, err := o.Generate(context.Background(), "any task", 0.7)
		require.NoError(t, err)
		assert.Equal(t, "Final Answer: 9:00 AM", text)
	}
}

func TestCreateOracleOllama(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaServer(t, "<|assistant|>8:15 plus 45 minutes.\nFinal Answer: 9:00 AM<|end|>", &calls)

	cfg := config.Default()
	cfg.Oracle.Model = "phi4"
	cfg.Oracle.Host = srv.URL

	factory := newTestFactory(t, cfg)
	o, err := factory.CreateOracle()
	require.NoError(t, err)

	ctx := oracle.WithStage(context.Background(), "arrive-b")
	text, err := o.Generate(ctx, "A train leaves Station A at 8:15 AM.", 0.7)
	require.NoError(t, err)
	assert.Equal(t, "8:15 plus 45 minutes.\nFinal Answer: 9:00 AM", text)
	assert.Equal(t, int32(1), calls.Load())

	usage := factory.Usage()
	require.Len(t, usage, 1)
	assert.Equal(t, "arrive-b", usage[0].Stage)
	assert.Equal(t, int64(1), usage[0].RequestCount)
	assert.Equal(t, int64(40), usage[0].PromptTokens)
	assert.Equal(t, int64(12), usage[0].CompletionTokens)
}

func TestCreateOracleBlankCompletionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaServer(t, "   ", &calls)

	cfg := config.Default()
	cfg.Oracle.Host = srv.URL
	cfg.Resilience.Retry.MaxAttempts = 3
	cfg.Resilience.Retry.InitialDelay = time.Millisecond
	cfg.Resilience.Timeout = 5 * time.Second

	o, err := newTestFactory(t, cfg).CreateOracle()
	require.NoError(t, err)

	for range 3 {
		text, err := o.Generate(context.Background(), "task", 0.7)
		require.NoError(t, err, "a blank completion is an empty sample, not an outage")
		assert.Empty(t, text)
	}
	assert.Equal(t, int32(3), calls.Load(), "each blank completion is sent once")
}

func TestCreateClient(t *testing.T) {
	var calls atomic.Int32
	srv := ollamaServer(t, "Final Answer: 11:45 AM", &calls)

	cfg := config.Default()
	cfg.Oracle.Host = srv.URL
	factory := newTestFactory(t, cfg)

	client, err := factory.CreateClient("ollama:llama3.1:8b", "")
	require.NoError(t, err)
	assert.Equal(t, "llama3.1:8b", client.GetModelName())

	client, err = factory.CreateClient("phi4", config.ProviderOllama)
	require.NoError(t, err, "an explicit provider skips inference")
	assert.Equal(t, "phi4", client.GetModelName())

	_, err = factory.CreateClient("no-such-model", "")
	assert.Error(t, err)

	_, err = factory.CreateClient("scripted", "")
	assert.Error(t, err)
}

func TestCreateClientMissingAPIKey(t *testing.T) {
	t.Setenv(config.EnvAnthropicAPIKey, "")

	_, err := newTestFactory(t, config.Default()).CreateClient(config.ModelClaudeHaiku45, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestOllamaModelName(t *testing.T) {
	assert.Equal(t, "phi4", ollamaModelName("phi4"))
	assert.Equal(t, "phi4:latest", ollamaModelName("ollama:phi4:latest"))
}
