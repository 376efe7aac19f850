// Package config loads maker's YAML configuration: oracle backend, consensus
// parameters, resilience middleware, metrics, persistence and logging.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"maker/pkg/logx"
	"maker/pkg/oracle"
)

// All constants bundled together for easy maintenance.
const (
	// Provider constants, also used as circuit breaker and rate limiter keys.
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
	ProviderScripted  = "scripted"

	// API key environment variable names.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	// EnvPrefix prefixes environment overrides, e.g. MAKER_CONSENSUS_MARGIN.
	EnvPrefix = "MAKER_"

	// Files and directories.
	DefaultConfigFile = "maker.yaml"
	StateDir          = ".maker"
	DatabaseFilename  = "maker.db"

	// Model name constants.
	ModelPhi4           = "phi4"
	ModelClaudeHaiku45  = "claude-haiku-4-5"
	ModelClaudeSonnet45 = "claude-sonnet-4-5"
	ModelGPT4oMini      = "gpt-4o-mini"
	ModelGPT4o          = "gpt-4o"
	ModelOpenAIO4Mini   = "o4-mini"
	ModelGemini25Flash  = "gemini-2.5-flash"
	DefaultModel        = ModelPhi4

	DefaultOllamaHost     = "http://localhost:11434"
	DefaultMetricsAddr    = ":9464"
	DefaultRequestTimeout = 2 * time.Minute
)

// Consensus defaults.
const (
	DefaultMargin      = 3
	DefaultMaxAttempts = 15
	DefaultTemperature = 0.7
	DefaultBatchSize   = 1
	DefaultMaxTokens   = 600
	DefaultMarker      = "Final Answer:"
)

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider        string  // API provider
	InputCPM        float64 // Cost per million input tokens (USD)
	OutputCPM       float64 // Cost per million output tokens (USD)
	MaxOutputTokens int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common models.
// This is optional - unknown models will be inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	ModelClaudeHaiku45:  {Provider: ProviderAnthropic, InputCPM: 1.0, OutputCPM: 5.0, MaxOutputTokens: 8192},
	ModelClaudeSonnet45: {Provider: ProviderAnthropic, InputCPM: 3.0, OutputCPM: 15.0, MaxOutputTokens: 8192},
	ModelGPT4oMini:      {Provider: ProviderOpenAI, InputCPM: 0.15, OutputCPM: 0.6, MaxOutputTokens: 16384},
	ModelGPT4o:          {Provider: ProviderOpenAI, InputCPM: 2.5, OutputCPM: 10.0, MaxOutputTokens: 4096},
	ModelOpenAIO4Mini:   {Provider: ProviderOpenAI, InputCPM: 1.1, OutputCPM: 4.4, MaxOutputTokens: 16384},
	ModelGemini25Flash:  {Provider: ProviderGoogle, InputCPM: 0.30, OutputCPM: 2.50, MaxOutputTokens: 65536},
	ModelPhi4:           {Provider: ProviderOllama, MaxOutputTokens: 4096},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"gemma", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
	{"scripted", ProviderScripted},
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - set oracle.provider explicitly", modelName)
}

// CalculateCost calculates the cost in USD for a given model and token usage.
// Unknown models cost nothing.
func CalculateCost(modelName string, promptTokens, completionTokens int) float64 {
	info, exists := KnownModels[modelName]
	if !exists {
		return 0
	}
	return float64(promptTokens)/1_000_000.0*info.InputCPM + float64(completionTokens)/1_000_000.0*info.OutputCPM
}

// OracleConfig selects and shapes the sampling backend.
type OracleConfig struct {
	Model        string   `yaml:"model"`                   // Model name, mapped to a provider via KnownModels/ProviderPatterns
	Provider     string   `yaml:"provider,omitempty"`      // Overrides inference from the model name
	Host         string   `yaml:"host,omitempty"`          // Ollama server URL
	SystemPrompt string   `yaml:"system_prompt,omitempty"` // Replaces the built-in instruction
	MaxTokens    int      `yaml:"max_tokens"`              // Output budget per sample
	StripTokens  []string `yaml:"strip_tokens,omitempty"`  // Control tokens removed from responses

	// Script configures provider "scripted".
	Script ScriptConfig `yaml:"script,omitempty"`
}

// ScriptConfig holds canned responses for the scripted oracle.
type ScriptConfig struct {
	Cycle bool          `yaml:"cycle"`
	Rules []oracle.Rule `yaml:"rules"`
}

// ConsensusConfig holds voting parameters.
type ConsensusConfig struct {
	Margin                      int     `yaml:"margin"`
	MaxAttempts                 int     `yaml:"max_attempts"`
	Temperature                 float64 `yaml:"temperature"`
	BatchSize                   int     `yaml:"batch_size"`
	MaxConsecutiveParseFailures int     `yaml:"max_consecutive_parse_failures"` // 0 disables the check
	Marker                      string  `yaml:"marker"`
	RequireMeridiem             bool    `yaml:"require_meridiem"`
}

// CircuitBreakerConfig defines configuration for circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // Number of failures before opening circuit
	SuccessThreshold int           `yaml:"success_threshold"` // Number of successes to close circuit from half-open
	Timeout          time.Duration `yaml:"timeout"`           // Time to wait before trying half-open
}

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `yaml:"initial_delay"`  // Initial delay before first retry
	MaxDelay      time.Duration `yaml:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `yaml:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `yaml:"jitter"`         // Add random jitter to prevent thundering herd
}

// ProviderLimits defines rate limiting configuration for a specific API provider.
type ProviderLimits struct {
	TokensPerMinute int `yaml:"tokens_per_minute"` // Rate limit in tokens per minute
	MaxConcurrency  int `yaml:"max_concurrency"`   // Maximum concurrent requests
}

// RateLimitConfig defines rate limiting configuration grouped by API provider.
type RateLimitConfig struct {
	Anthropic ProviderLimits `yaml:"anthropic"`
	OpenAI    ProviderLimits `yaml:"openai"`
	Google    ProviderLimits `yaml:"google"`
	Ollama    ProviderLimits `yaml:"ollama"`
}

// ForProvider returns the limits configured for provider.
func (r *RateLimitConfig) ForProvider(provider string) (ProviderLimits, bool) {
	switch provider {
	case ProviderAnthropic:
		return r.Anthropic, true
	case ProviderOpenAI:
		return r.OpenAI, true
	case ProviderGoogle:
		return r.Google, true
	case ProviderOllama:
		return r.Ollama, true
	default:
		return ProviderLimits{}, false
	}
}

// ProviderDefaults defines default rate limits for each provider.
//
//nolint:gochecknoglobals // Intentional global for provider defaults
var ProviderDefaults = map[string]ProviderLimits{
	ProviderAnthropic: {TokensPerMinute: 300000, MaxConcurrency: 5},
	ProviderOpenAI:    {TokensPerMinute: 150000, MaxConcurrency: 5},
	ProviderGoogle:    {TokensPerMinute: 1200000, MaxConcurrency: 5},
	ProviderOllama:    {TokensPerMinute: 1000000, MaxConcurrency: 2}, // Limited by GPU memory
}

// ResilienceConfig bundles all resilience-related middleware configuration.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Timeout        time.Duration        `yaml:"timeout"` // Per-request timeout
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`        // Serve /metrics while running
	ListenAddr    string `yaml:"listen_addr"`    // Address for the /metrics endpoint
	PrometheusURL string `yaml:"prometheus_url"` // Prometheus server queried by `maker stats`
}

// PersistenceConfig controls the run history database.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig mirrors the DEBUG / DEBUG_DOMAINS environment switches.
type LoggingConfig struct {
	Debug        bool     `yaml:"debug"`
	DebugDomains []string `yaml:"debug_domains,omitempty"`
	Dir          string   `yaml:"dir,omitempty"`       // Write a log file here when set
	Tee          bool     `yaml:"tee"`                 // Also write to stderr when logging to a file
	EventDir     string   `yaml:"event_dir,omitempty"` // JSONL trace of every sample and run
}

// Config is the top-level configuration file.
type Config struct {
	Oracle      OracleConfig      `yaml:"oracle"`
	Consensus   ConsensusConfig   `yaml:"consensus"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks a configuration after it was changed in code.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// ResolveProvider returns the configured provider or infers it from the model.
func (c *Config) ResolveProvider() (string, error) {
	if c.Oracle.Provider != "" {
		return c.Oracle.Provider, nil
	}
	return GetModelProvider(c.Oracle.Model)
}

// ApplyLogging pushes the logging section into logx.
func (c *Config) ApplyLogging() error {
	if c.Logging.Debug {
		logx.SetDebug(true)
	}
	if len(c.Logging.DebugDomains) > 0 {
		logx.SetDebugDomains(c.Logging.DebugDomains)
	}
	if c.Logging.Dir != "" {
		if err := logx.InitializeLogFile(c.Logging.Dir, c.Logging.Tee); err != nil {
			return fmt.Errorf("failed to initialize log file: %w", err)
		}
	}
	return nil
}

// GetAPIKey returns the API key for a given provider.
// Checks secrets file first, then falls back to environment variables.
// For Ollama, returns the host URL instead of an API key.
func (c *Config) GetAPIKey(provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		if c.Oracle.Host != "" {
			return c.Oracle.Host, nil
		}
		if host := os.Getenv(EnvOllamaHost); host != "" {
			return host, nil
		}
		return DefaultOllamaHost, nil
	case ProviderScripted:
		return "", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	key, err := GetSecret(envVar)
	if err == nil && key != "" {
		return key, nil
	}
	return "", fmt.Errorf("API key not found: %s not found in secrets file or environment variables", envVar)
}
