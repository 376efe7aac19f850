package agent

import (
	"context"
	"fmt"
	"strings"

	"maker/pkg/agent/internal/llmimpl/anthropic"
	"maker/pkg/agent/internal/llmimpl/google"
	"maker/pkg/agent/internal/llmimpl/ollama"
	"maker/pkg/agent/internal/llmimpl/openaiofficial"
	"maker/pkg/agent/llm"
	"maker/pkg/agent/middleware/metrics"
	"maker/pkg/agent/middleware/resilience/circuit"
	"maker/pkg/agent/middleware/resilience/ratelimit"
	"maker/pkg/agent/middleware/resilience/retry"
	"maker/pkg/agent/middleware/resilience/timeout"
	"maker/pkg/agent/middleware/validation"
	"maker/pkg/config"
	"maker/pkg/logx"
	"maker/pkg/oracle"
)

// llmProviders are the providers that get a breaker and a rate limiter.
var llmProviders = []string{ //nolint:gochecknoglobals // fixed provider list
	config.ProviderAnthropic,
	config.ProviderOpenAI,
	config.ProviderGoogle,
	config.ProviderOllama,
}

// ClientFactory creates LLM clients with properly configured middleware chains.
type ClientFactory struct {
	config          *config.Config
	metricsRecorder metrics.Recorder
	usage           *metrics.InternalRecorder
	circuitBreakers map[string]*circuit.Breaker // per-provider circuit breakers
	rateLimitMap    *ratelimit.ProviderLimiterMap
	logger          *logx.Logger
}

// NewClientFactory creates a factory for cfg. Requests are reported to
// recorder (nil disables export) and always to an in-memory usage recorder.
// The rate limiter refill timers run until Close or until ctx is done.
func NewClientFactory(ctx context.Context, cfg *config.Config, recorder metrics.Recorder) (*ClientFactory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("client factory: nil config")
	}
	if recorder == nil {
		recorder = metrics.Nop()
	}
	usage := metrics.NewInternalRecorder()

	circuitConfig := circuit.Config{
		FailureThreshold: cfg.Resilience.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.Resilience.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.Resilience.CircuitBreaker.Timeout,
	}
	circuitBreakers := make(map[string]*circuit.Breaker, len(llmProviders))
	rateLimitConfigs := make(map[string]ratelimit.Config, len(llmProviders))
	for _, provider := range llmProviders {
		circuitBreakers[provider] = circuit.New(provider, circuitConfig)

		limits, _ := cfg.Resilience.RateLimit.ForProvider(provider)
		rateLimitConfigs[provider] = ratelimit.Config{
			TokensPerMinute: limits.TokensPerMinute,
			MaxConcurrency:  limits.MaxConcurrency,
		}
	}

	return &ClientFactory{
		config:          cfg,
		metricsRecorder: metrics.Tee(recorder, usage),
		usage:           usage,
		circuitBreakers: circuitBreakers,
		rateLimitMap:    ratelimit.NewProviderLimiterMap(ctx, rateLimitConfigs),
		logger:          logx.NewLogger("client-factory"),
	}, nil
}

// Close stops the rate limiter refill timers and logs which providers throttled.
func (f *ClientFactory) Close() {
	f.rateLimitMap.Stop()
	for provider, st := range f.rateLimitMap.GetAllStats() {
		if st.TokenLimitHits > 0 || st.ConcurrencyHits > 0 {
			f.logger.Info("%s was throttled: %d token waits, %d concurrency waits",
				provider, st.TokenLimitHits, st.ConcurrencyHits)
		}
	}
}

// Usage returns token usage per pipeline stage for every request made so far.
func (f *ClientFactory) Usage() []metrics.StageUsage {
	return f.usage.AllStageUsage()
}

// StageUsage returns the usage recorded for stage, or nil if it made no requests.
func (f *ClientFactory) StageUsage(stage string) *metrics.StageUsage {
	return f.usage.StageUsage(stage)
}

// CreateOracle returns the oracle described by the oracle config section.
func (f *ClientFactory) CreateOracle() (oracle.Oracle, error) {
	provider, err := f.config.ResolveProvider()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve oracle provider: %w", err)
	}

	if provider == config.ProviderScripted {
		script := f.config.Oracle.Script
		f.logger.Info("using scripted oracle with %d rule(s)", len(script.Rules))
		return oracle.NewScriptedRules(script.Cycle, script.Rules...), nil
	}

	client, err := f.CreateClient(f.config.Oracle.Model, provider)
	if err != nil {
		return nil, err
	}
	f.logger.Info("using %s model %s", provider, client.GetModelName())

	return oracle.NewLLMOracle(client, oracle.LLMConfig{
		SystemPrompt: f.config.Oracle.SystemPrompt,
		MaxTokens:    f.config.Oracle.MaxTokens,
		StripTokens:  f.config.Oracle.StripTokens,
	}), nil
}

// CreateClient creates an LLM client for modelName with the full middleware chain.
// An empty provider is inferred from the model name.
func (f *ClientFactory) CreateClient(modelName, provider string) (llm.LLMClient, error) {
	if provider == "" {
		inferred, err := config.GetModelProvider(modelName)
		if err != nil {
			return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
		}
		provider = inferred
	}

	rawClient, err := f.createRawClient(modelName, provider)
	if err != nil {
		return nil, err
	}

	circuitBreaker, exists := f.circuitBreakers[provider]
	if !exists {
		return nil, fmt.Errorf("no circuit breaker found for provider %s", provider)
	}
	limiter, err := f.rateLimitMap.GetLimiter(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limiter: %w", err)
	}

	retryConfig := retry.Config{
		MaxAttempts:   f.config.Resilience.Retry.MaxAttempts,
		InitialDelay:  f.config.Resilience.Retry.InitialDelay,
		MaxDelay:      f.config.Resilience.Retry.MaxDelay,
		BackoffFactor: f.config.Resilience.Retry.BackoffFactor,
		Jitter:        f.config.Resilience.Retry.Jitter,
	}
	retryPolicy := retry.NewPolicy(retryConfig, nil) // Use default classifier

	// Metrics -> CircuitBreaker -> Retry -> EmptyResponse -> RateLimit -> Timeout -> RawClient
	client := llm.Chain(rawClient,
		metrics.Middleware(f.metricsRecorder, nil, logx.NewLogger("llm-metrics")),
		circuit.Middleware(circuitBreaker),
		retry.Middleware(retryPolicy),
		validation.NewEmptyResponseValidator().Middleware(),
		ratelimit.Middleware(limiter, nil, f.metricsRecorder), // Uses default token estimator
		timeout.Middleware(f.config.Resilience.Timeout),
	)

	return client, nil
}

// createRawClient builds the provider adapter without middleware.
func (f *ClientFactory) createRawClient(modelName, provider string) (llm.LLMClient, error) {
	if provider == config.ProviderScripted {
		return nil, fmt.Errorf("provider %s has no LLM client", provider)
	}

	// For ollama this is the host URL.
	apiKey, err := f.config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	switch provider {
	case config.ProviderAnthropic:
		return anthropic.NewClaudeClientWithModel(apiKey, modelName), nil
	case config.ProviderOpenAI:
		return openaiofficial.NewOfficialClientWithModel(apiKey, modelName), nil
	case config.ProviderGoogle:
		return google.NewGeminiClientWithModel(apiKey, modelName), nil
	case config.ProviderOllama:
		return ollama.NewOllamaClientWithModel(apiKey, ollamaModelName(modelName)), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// ollamaModelName strips the explicit "ollama:" prefix accepted in config.
func ollamaModelName(modelName string) string {
	return strings.TrimPrefix(modelName, "ollama:")
}
