// Package ratelimit throttles oracle sampling per provider with a token
// bucket and a concurrency cap.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"maker/pkg/agent/llm"
	"maker/pkg/logx"
	"maker/pkg/utils"
)

// BufferFactor keeps the bucket below the provider's advertised limit to
// absorb token estimation error.
const BufferFactor = 0.9

// refillInterval is one tenth of a minute, so each refill adds TokensPerMinute/10.
const refillInterval = 6 * time.Second

// Limiter defines the interface for rate limiting implementations.
type Limiter interface {
	// Acquire takes a concurrency slot and tokens, blocking until both are
	// available or ctx ends. The returned release func frees the slot.
	Acquire(ctx context.Context, tokens int, caller string) (releaseFunc func(), err error)

	// GetStats returns current limiter statistics.
	GetStats() LimiterStats
}

// TokenEstimator estimates the prompt tokens a request will consume on model.
type TokenEstimator interface {
	EstimatePrompt(model string, req llm.CompletionRequest) int
}

// Config defines rate limiting configuration for a provider.
type Config struct {
	TokensPerMinute int           `yaml:"tokens_per_minute"`
	MaxConcurrency  int           `yaml:"max_concurrency"`
	MaxWait         time.Duration `yaml:"max_wait"` // Give up acquiring after this long; 0 means 2 minutes
}

// DefaultTokenEstimator estimates prompt size with the tiktoken encoding
// closest to the model.
type DefaultTokenEstimator struct{}

func NewDefaultTokenEstimator() TokenEstimator {
	return &DefaultTokenEstimator{}
}

func (e *DefaultTokenEstimator) EstimatePrompt(model string, req llm.CompletionRequest) int {
	total := 0
	for i := range req.Messages {
		total += utils.CountTokens(model, req.Messages[i].Content)
	}
	return total
}

// TokenBucketLimiter combines a token bucket refilled every refillInterval
// with a weighted semaphore capping in-flight requests.
//
//nolint:govet // fieldalignment: grouped by what mu guards
type TokenBucketLimiter struct {
	provider       string
	slots          *semaphore.Weighted
	maxConcurrency int
	capacity       int
	perRefill      int
	maxWait        time.Duration

	mu              sync.Mutex
	available       int
	refilled        chan struct{} // closed and replaced on every refill
	active          int
	tokenLimitHits  int64
	concurrencyHits int64
}

// LimiterStats represents current rate limiter statistics.
type LimiterStats struct {
	Provider        string `json:"provider"`
	AvailableTokens int    `json:"available_tokens"`
	MaxCapacity     int    `json:"max_capacity"`
	ActiveRequests  int    `json:"active_requests"`
	MaxConcurrency  int    `json:"max_concurrency"`
	TokenLimitHits  int64  `json:"token_limit_hits"`
	ConcurrencyHits int64  `json:"concurrency_hits"`
}

// NewTokenBucketLimiter creates a limiter for provider with a full bucket.
func NewTokenBucketLimiter(provider string, cfg Config) *TokenBucketLimiter {
	maxConcurrency := max(cfg.MaxConcurrency, 1)
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 2 * time.Minute
	}
	capacity := int(float64(cfg.TokensPerMinute) * BufferFactor)

	return &TokenBucketLimiter{
		provider:       provider,
		slots:          semaphore.NewWeighted(int64(maxConcurrency)),
		maxConcurrency: maxConcurrency,
		capacity:       capacity,
		perRefill:      cfg.TokensPerMinute / 10,
		maxWait:        maxWait,
		available:      capacity,
		refilled:       make(chan struct{}),
	}
}

// Acquire takes a concurrency slot, then tokens. The release func may be
// called more than once. Tokens are spent, never refunded.
func (l *TokenBucketLimiter) Acquire(ctx context.Context, tokens int, caller string) (func(), error) {
	if tokens > l.capacity {
		return nil, fmt.Errorf("request needs %d tokens but %s bucket holds at most %d",
			tokens, l.provider, l.capacity)
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()
	start := time.Now()

	if !l.slots.TryAcquire(1) {
		l.mu.Lock()
		l.concurrencyHits++
		logx.Debugf("RATELIMIT: %s concurrency limit hit (active: %d/%d, caller: %s)",
			l.provider, l.active, l.maxConcurrency, caller)
		l.mu.Unlock()

		if err := l.slots.Acquire(waitCtx, 1); err != nil {
			return nil, l.waitError(ctx, start, tokens, caller)
		}
	}

	if err := l.takeTokens(waitCtx, tokens, caller); err != nil {
		l.slots.Release(1)
		return nil, l.waitError(ctx, start, tokens, caller)
	}

	l.mu.Lock()
	l.active++
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.active--
			l.mu.Unlock()
			l.slots.Release(1)
		})
	}, nil
}

func (l *TokenBucketLimiter) takeTokens(ctx context.Context, tokens int, caller string) error {
	logged := false
	for {
		l.mu.Lock()
		if l.available >= tokens {
			l.available -= tokens
			l.mu.Unlock()
			return nil
		}
		if !logged {
			l.tokenLimitHits++
			logx.Infof("RATELIMIT: %s token limit hit, waiting for refill (need %d, have %d, caller: %s)",
				l.provider, tokens, l.available, caller)
			logged = true
		}
		refilled := l.refilled
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck // mapped by waitError
		case <-refilled:
		}
	}
}

// waitError keeps the caller's own cancellation intact and reports maxWait
// expiry as a timeout of the limiter.
func (l *TokenBucketLimiter) waitError(ctx context.Context, start time.Time, tokens int, caller string) error {
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck // caller's context error propagated as-is
	}
	return fmt.Errorf("rate limit acquisition timeout after %v (requested %d tokens, max capacity %d, provider: %s, caller: %s)",
		time.Since(start).Round(time.Second), tokens, l.capacity, l.provider, caller)
}

func (l *TokenBucketLimiter) startRefillTimer(ctx context.Context) {
	ticker := time.NewTicker(refillInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.refill()
			}
		}
	}()
}

func (l *TokenBucketLimiter) refill() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.available = min(l.available+l.perRefill, l.capacity)
	close(l.refilled)
	l.refilled = make(chan struct{})
}

// GetStats returns current limiter statistics.
func (l *TokenBucketLimiter) GetStats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		Provider:        l.provider,
		AvailableTokens: l.available,
		MaxCapacity:     l.capacity,
		ActiveRequests:  l.active,
		MaxConcurrency:  l.maxConcurrency,
		TokenLimitHits:  l.tokenLimitHits,
		ConcurrencyHits: l.concurrencyHits,
	}
}

// ProviderLimiterMap owns one limiter per provider and their refill goroutines.
type ProviderLimiterMap struct {
	limiters map[string]*TokenBucketLimiter
	cancel   context.CancelFunc
}

// NewProviderLimiterMap starts a refill timer per configured provider. Call Stop when done.
func NewProviderLimiterMap(ctx context.Context, configs map[string]Config) *ProviderLimiterMap {
	ctx, cancel := context.WithCancel(ctx)

	limiters := make(map[string]*TokenBucketLimiter, len(configs))
	for provider, cfg := range configs {
		limiter := NewTokenBucketLimiter(provider, cfg)
		limiter.startRefillTimer(ctx)
		limiters[provider] = limiter
	}

	return &ProviderLimiterMap{limiters: limiters, cancel: cancel}
}

// Stop cancels all refill timers.
func (p *ProviderLimiterMap) Stop() {
	p.cancel()
}

// GetLimiter returns the limiter for provider.
func (p *ProviderLimiterMap) GetLimiter(provider string) (Limiter, error) {
	limiter, exists := p.limiters[provider]
	if !exists {
		return nil, fmt.Errorf("no rate limiter configured for provider %s", provider)
	}
	return limiter, nil
}

// GetAllStats returns statistics for all provider limiters.
func (p *ProviderLimiterMap) GetAllStats() map[string]LimiterStats {
	stats := make(map[string]LimiterStats, len(p.limiters))
	for provider, limiter := range p.limiters {
		stats[provider] = limiter.GetStats()
	}
	return stats
}
