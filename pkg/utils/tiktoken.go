// Package utils estimates token counts for providers that do not report them.
package utils

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// o200kPrefixes are OpenAI model families tokenized with o200k_base.
// Every other model, including non-OpenAI ones, is approximated with
// cl100k_base; the counts feed rate limiting and usage metrics, not billing.
//
//nolint:gochecknoglobals // lookup table
var o200kPrefixes = []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4"}

// TokenCounter counts tokens with one tiktoken encoding.
type TokenCounter struct {
	encoding tokenizer.Encoding
	codec    tokenizer.Codec
}

// EncodingFor returns the encoding used to approximate model.
func EncodingFor(model string) tokenizer.Encoding {
	m := strings.ToLower(model)
	for _, prefix := range o200kPrefixes {
		if strings.HasPrefix(m, prefix) {
			return tokenizer.O200kBase
		}
	}
	return tokenizer.Cl100kBase
}

// NewTokenCounter creates a counter for model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encoding := EncodingFor(model)
	codec, err := tokenizer.Get(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s encoding for model %s: %w", encoding, model, err)
	}
	return &TokenCounter{encoding: encoding, codec: codec}, nil
}

// Encoding reports which encoding the counter uses.
func (tc *TokenCounter) Encoding() tokenizer.Encoding {
	return tc.encoding
}

// CountTokens returns the number of tokens in text. A nil counter or an
// encoding failure falls back to four characters per token.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return estimateByLength(text)
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return estimateByLength(text)
	}
	return count
}

func estimateByLength(text string) int {
	return (len(text) + 3) / 4
}

//nolint:gochecknoglobals // codecs are expensive to build and safe to share
var (
	countersMu sync.Mutex
	counters   = map[tokenizer.Encoding]*TokenCounter{}
)

// CountTokens counts text with the shared counter for model's encoding.
func CountTokens(model, text string) int {
	encoding := EncodingFor(model)

	countersMu.Lock()
	counter, ok := counters[encoding]
	if !ok {
		// A nil counter is cached too, so a broken encoding falls back once.
		counter, _ = NewTokenCounter(model)
		counters[encoding] = counter
	}
	countersMu.Unlock()

	return counter.CountTokens(text)
}
