package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

//nolint:gochecknoglobals // reflect type used by the override walker
var durationType = reflect.TypeOf(time.Duration(0))

// Load reads path when it exists. A missing DefaultConfigFile is not an error:
// defaults and environment overrides apply instead.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == DefaultConfigFile {
		cfg := &Config{}
		return finish(cfg)
	}
	return LoadConfig(path)
}

// LoadConfig loads and validates configuration from a YAML file with environment variable substitution.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configPath, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown fields, then applies overrides,
// defaults and validation.
func Parse(data []byte) (*Config, error) {
	// Replace environment variable placeholders.
	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match // Return original if env var not found
	})

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	applyEnvOverridesRecursive(v, v.Type(), EnvPrefix)
}

// applyEnvOverridesRecursive maps yaml paths to variables: oracle.max_tokens
// becomes MAKER_ORACLE_MAX_TOKENS.
func applyEnvOverridesRecursive(v reflect.Value, t reflect.Type, prefix string) {
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + strings.Split(yamlTag, ",")[0])

		if field.Kind() == reflect.Struct && field.Type() != durationType {
			applyEnvOverridesRecursive(field, field.Type(), envKey+"_")
			continue
		}
		if envValue, ok := os.LookupEnv(envKey); ok && envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	if field.Type() == durationType {
		if d, err := time.ParseDuration(envValue); err == nil {
			field.SetInt(int64(d))
		}
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		if val, err := strconv.Atoi(envValue); err == nil {
			field.SetInt(int64(val))
		}
	case reflect.Float32, reflect.Float64:
		if val, err := strconv.ParseFloat(envValue, 64); err == nil {
			field.SetFloat(val)
		}
	case reflect.Bool:
		if val, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(val)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(envValue, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.Oracle.Model == "" && cfg.Oracle.Provider != ProviderScripted {
		cfg.Oracle.Model = DefaultModel
	}
	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = ProviderScripted
	}
	if cfg.Oracle.MaxTokens == 0 {
		cfg.Oracle.MaxTokens = DefaultMaxTokens
	}

	c := &cfg.Consensus
	if c.Margin == 0 {
		c.Margin = DefaultMargin
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Marker == "" {
		c.Marker = DefaultMarker
	}

	r := &cfg.Resilience
	if r.CircuitBreaker.FailureThreshold == 0 {
		r.CircuitBreaker.FailureThreshold = 5
	}
	if r.CircuitBreaker.SuccessThreshold == 0 {
		r.CircuitBreaker.SuccessThreshold = 2
	}
	if r.CircuitBreaker.Timeout == 0 {
		r.CircuitBreaker.Timeout = 30 * time.Second
	}
	if r.Retry.MaxAttempts == 0 {
		r.Retry.MaxAttempts = 3
		r.Retry.Jitter = true
	}
	if r.Retry.InitialDelay == 0 {
		r.Retry.InitialDelay = 500 * time.Millisecond
	}
	if r.Retry.MaxDelay == 0 {
		r.Retry.MaxDelay = 10 * time.Second
	}
	if r.Retry.BackoffFactor == 0 {
		r.Retry.BackoffFactor = 2.0
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultRequestTimeout
	}
	for _, provider := range []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama} {
		limits := rateLimitFor(&r.RateLimit, provider)
		defaults := ProviderDefaults[provider]
		if limits.TokensPerMinute == 0 {
			limits.TokensPerMinute = defaults.TokensPerMinute
		}
		if limits.MaxConcurrency == 0 {
			limits.MaxConcurrency = defaults.MaxConcurrency
		}
	}

	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = DefaultMetricsAddr
	}
	if cfg.Persistence.Path == "" {
		cfg.Persistence.Path = StateDir + "/" + DatabaseFilename
	}
}

func rateLimitFor(r *RateLimitConfig, provider string) *ProviderLimits {
	switch provider {
	case ProviderAnthropic:
		return &r.Anthropic
	case ProviderOpenAI:
		return &r.OpenAI
	case ProviderGoogle:
		return &r.Google
	default:
		return &r.Ollama
	}
}

func validateConfig(cfg *Config) error {
	provider, err := cfg.ResolveProvider()
	if err != nil {
		return err
	}
	switch provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama:
	case ProviderScripted:
		if len(cfg.Oracle.Script.Rules) == 0 {
			return fmt.Errorf("oracle.script.rules must not be empty for provider %q", ProviderScripted)
		}
	default:
		return fmt.Errorf("unsupported oracle.provider %q", provider)
	}
	if cfg.Oracle.MaxTokens < 1 {
		return fmt.Errorf("oracle.max_tokens must be positive, got %d", cfg.Oracle.MaxTokens)
	}

	c := cfg.Consensus
	if c.Margin < 1 {
		return fmt.Errorf("consensus.margin must be at least 1, got %d", c.Margin)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("consensus.max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("consensus.temperature must be between 0 and 2, got %g", c.Temperature)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("consensus.batch_size must be at least 1, got %d", c.BatchSize)
	}
	if c.MaxConsecutiveParseFailures < 0 {
		return fmt.Errorf("consensus.max_consecutive_parse_failures must not be negative")
	}

	r := cfg.Resilience
	if r.Retry.BackoffFactor < 1 {
		return fmt.Errorf("resilience.retry.backoff_factor must be at least 1, got %g", r.Retry.BackoffFactor)
	}
	if r.Retry.InitialDelay > r.Retry.MaxDelay {
		return fmt.Errorf("resilience.retry.initial_delay (%s) exceeds max_delay (%s)", r.Retry.InitialDelay, r.Retry.MaxDelay)
	}
	return nil
}
