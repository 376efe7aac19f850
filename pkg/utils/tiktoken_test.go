package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiktoken-go/tokenizer"
)

func TestEncodingFor(t *testing.T) {
	tests := map[string]tokenizer.Encoding{
		"gpt-4o":            tokenizer.O200kBase,
		"gpt-4o-mini":       tokenizer.O200kBase,
		"o3-mini":           tokenizer.O200kBase,
		"GPT-5":             tokenizer.O200kBase,
		"gpt-4":             tokenizer.Cl100kBase,
		"claude-sonnet-4-5": tokenizer.Cl100kBase,
		"llama3.1:8b":       tokenizer.Cl100kBase,
		"":                  tokenizer.Cl100kBase,
	}
	for model, want := range tests {
		assert.Equal(t, want, EncodingFor(model), model)
	}
}

func TestNewTokenCounter(t *testing.T) {
	for _, model := range []string{"gpt-4o", "claude-sonnet-4-5", "phi4", "unknown-model"} {
		t.Run(model, func(t *testing.T) {
			counter, err := NewTokenCounter(model)
			require.NoError(t, err)
			assert.Equal(t, EncodingFor(model), counter.Encoding())
		})
	}
}

func TestCountTokens(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	assert.Equal(t, 0, counter.CountTokens(""))

	short := counter.CountTokens("Final Answer: 9:00 AM")
	assert.Greater(t, short, 0)
	assert.Less(t, short, 20)

	long := counter.CountTokens(strings.Repeat("The train departs at 8:15 AM. ", 50))
	assert.Greater(t, long, short*10)
}

func TestCountTokensNilCounterFallsBack(t *testing.T) {
	var counter *TokenCounter
	assert.Equal(t, 3, counter.CountTokens("abcdefghij"))
}

func TestSharedCountTokensMatchesCounter(t *testing.T) {
	text := "Travel from Station A to Station B takes 45 minutes."
	for _, model := range []string{"gpt-4", "gpt-4o"} {
		counter, err := NewTokenCounter(model)
		require.NoError(t, err)
		assert.Equal(t, counter.CountTokens(text), CountTokens(model, text), model)
	}
}
