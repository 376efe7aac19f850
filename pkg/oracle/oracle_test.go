package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
)

func TestUnavailableWrapping(t *testing.T) {
	cause := errors.New("model not loaded")
	err := Unavailable(cause)

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "model not loaded")

	// Wrapping twice does not nest.
	assert.Same(t, err, Unavailable(err))
	assert.NoError(t, Unavailable(nil))

	wrapped := fmt.Errorf("attempt 3: %w", err)
	assert.ErrorIs(t, wrapped, ErrUnavailable)
}

func TestFunc(t *testing.T) {
	var gotTemp float32
	o := Func(func(_ context.Context, task string, temperature float32) (string, error) {
		gotTemp = temperature
		return "echo " + task, nil
	})

	out, err := o.Generate(context.Background(), "hi", 0.7)
	require.NoError(t, err)
	assert.Equal(t, "echo hi", out)
	assert.InDelta(t, 0.7, gotTemp, 1e-6)
}

func TestStageContext(t *testing.T) {
	ctx := WithStage(context.Background(), "arrive-b")
	assert.Equal(t, "arrive-b", StageFromContext(ctx))
	assert.Equal(t, "", StageFromContext(context.Background()))
}

type fakeClient struct {
	req  llm.CompletionRequest
	resp llm.CompletionResponse
	err  error
}

func (f *fakeClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	f.req = req
	return f.resp, f.err
}

func (f *fakeClient) GetModelName() string { return "phi4" }

func TestLLMOracleBuildsRequest(t *testing.T) {
	client := &fakeClient{resp: llm.CompletionResponse{Content: "<|assistant|> 8:15 + 45 = 9:00\nFinal Answer: 9:00 AM<|end|>\n"}}
	o := NewLLMOracle(client, LLMConfig{})

	out, err := o.Generate(context.Background(), "Depart at 8:15 AM, travel 45 minutes.", 0.7)
	require.NoError(t, err)
	assert.Equal(t, "8:15 + 45 = 9:00\nFinal Answer: 9:00 AM", out)

	require.Len(t, client.req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, client.req.Messages[0].Role)
	assert.Contains(t, client.req.Messages[0].Content, "Final Answer: <HH:MM AM/PM>")
	assert.Equal(t, "Depart at 8:15 AM, travel 45 minutes.", client.req.Messages[1].Content)
	assert.Equal(t, llm.DefaultMaxTokens, client.req.MaxTokens)
	assert.InDelta(t, 0.7, client.req.Temperature, 1e-6)
	assert.Equal(t, "phi4", o.Model())
}

func TestLLMOracleCustomConfig(t *testing.T) {
	client := &fakeClient{resp: llm.CompletionResponse{Content: "[END] x [END]"}}
	o := NewLLMOracle(client, LLMConfig{SystemPrompt: "custom", MaxTokens: 50, StripTokens: []string{"[END]"}})

	out, err := o.Generate(context.Background(), "t", 0.2)
	require.NoError(t, err)
	assert.Equal(t, "x", out)
	assert.Equal(t, "custom", client.req.Messages[0].Content)
	assert.Equal(t, 50, client.req.MaxTokens)
}

func TestLLMOracleErrorsAreUnavailable(t *testing.T) {
	cause := llmerrors.NewError(llmerrors.ErrorTypeServiceUnavailable, "retries exhausted")
	o := NewLLMOracle(&fakeClient{err: cause}, LLMConfig{})

	_, err := o.Generate(context.Background(), "t", 0.7)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, llmerrors.IsServiceUnavailable(err))
	assert.Contains(t, err.Error(), "gave up")
}

func TestLLMOracleBlankCompletionIsEmptySample(t *testing.T) {
	cause := llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "model returned an empty completion")
	o := NewLLMOracle(&fakeClient{err: cause}, LLMConfig{})

	text, err := o.Generate(context.Background(), "t", 0.7)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestScriptedSequence(t *testing.T) {
	s := NewScripted(false, "a", "b")
	ctx := context.Background()

	out, err := s.Generate(ctx, "task", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", out)
	out, err = s.Generate(ctx, "task", 0)
	require.NoError(t, err)
	assert.Equal(t, "b", out)

	_, err = s.Generate(ctx, "task", 0)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.Equal(t, 3, s.Calls())
}

func TestScriptedCycle(t *testing.T) {
	s := NewScripted(true, "x", "y")
	var got []string
	for i := 0; i < 5; i++ {
		out, err := s.Generate(context.Background(), "", 0)
		require.NoError(t, err)
		got = append(got, out)
	}
	assert.Equal(t, []string{"x", "y", "x", "y", "x"}, got)
}

func TestScriptedRules(t *testing.T) {
	s := NewScriptedRules(true,
		Rule{Match: "Station B", Responses: []string{"Final Answer: 9:00 AM"}},
		Rule{Responses: []string{"fallback"}},
	)

	out, err := s.Generate(context.Background(), "arrive at Station B", 0)
	require.NoError(t, err)
	assert.Equal(t, "Final Answer: 9:00 AM", out)

	out, err = s.Generate(context.Background(), "something else", 0)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestScriptedNoMatchingRule(t *testing.T) {
	s := NewScriptedRules(true, Rule{Match: "nope", Responses: []string{"x"}})

	_, err := s.Generate(context.Background(), "task", 0)
	assert.ErrorIs(t, err, ErrScriptExhausted)
}

func TestScriptedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewScripted(true, "x").Generate(ctx, "t", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScriptedConcurrent(t *testing.T) {
	s := NewScripted(true, "x")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Generate(context.Background(), "t", 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.Calls())
}
