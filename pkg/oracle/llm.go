package oracle

import (
	"context"
	"fmt"
	"strings"

	"maker/pkg/agent/llm"
	"maker/pkg/agent/llmerrors"
	"maker/pkg/logx"
)

// DefaultSystemPrompt tells the model how to format its answer so the v1
// clock extractor can read it.
const DefaultSystemPrompt = "You are a scheduling assistant. Think step by step and show your calculation logic. " +
	"You MUST end your response with exactly: 'Final Answer: <HH:MM AM/PM>'"

// DefaultStripTokens are chat-template control tokens some local models leak into output.
var DefaultStripTokens = []string{"<|assistant|>", "<|end|>", "<|user|>"}

// LLMConfig configures an LLMOracle.
type LLMConfig struct {
	SystemPrompt string
	MaxTokens    int
	StripTokens  []string
}

// LLMOracle samples a language model through an llm.LLMClient.
type LLMOracle struct {
	client llm.LLMClient
	cfg    LLMConfig
	logger *logx.Logger
}

// NewLLMOracle wraps client. Zero-valued config fields take the package defaults.
func NewLLMOracle(client llm.LLMClient, cfg LLMConfig) *LLMOracle {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = llm.DefaultMaxTokens
	}
	if cfg.StripTokens == nil {
		cfg.StripTokens = DefaultStripTokens
	}
	return &LLMOracle{
		client: client,
		cfg:    cfg,
		logger: logx.NewLogger("oracle"),
	}
}

// Model returns the underlying model name.
func (o *LLMOracle) Model() string {
	return o.client.GetModelName()
}

// Generate implements Oracle. Client failures are reported as ErrUnavailable.
// A blank completion is returned as an empty sample so the caller can discard
// it like any other reply without an answer.
func (o *LLMOracle) Generate(ctx context.Context, task string, temperature float32) (string, error) {
	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(o.cfg.SystemPrompt),
			llm.NewUserMessage(task),
		},
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: temperature,
	}

	resp, err := o.client.Complete(ctx, req)
	switch {
	case err == nil:
	case llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse):
		logx.Debug(logx.WithComponent(ctx, "oracle"), "oracle", "model=%s returned no content",
			o.client.GetModelName())
		return "", nil
	case llmerrors.IsServiceUnavailable(err):
		return "", Unavailable(fmt.Errorf("%s gave up: %w", o.client.GetModelName(), err))
	default:
		return "", Unavailable(fmt.Errorf("%s completion failed: %w", o.client.GetModelName(), err))
	}

	text := o.clean(resp.Content)
	logx.Debug(logx.WithComponent(ctx, "oracle"), "oracle", "model=%s stop=%s chars=%d",
		o.client.GetModelName(), resp.StopReason, len(text))
	if resp.StopReason == "max_tokens" || resp.StopReason == "length" {
		o.logger.Warn("response truncated at %d tokens; the answer marker may be missing", o.cfg.MaxTokens)
	}
	return text, nil
}

func (o *LLMOracle) clean(text string) string {
	for _, tok := range o.cfg.StripTokens {
		if tok != "" {
			text = strings.ReplaceAll(text, tok, "")
		}
	}
	return strings.TrimSpace(text)
}
