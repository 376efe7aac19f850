// Package circuit stops sampling a provider that keeps failing.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"maker/pkg/agent/llmerrors"
	"maker/pkg/logx"
)

// State is the breaker position.
type State int

const (
	Closed   State = iota // Requests flow
	Open                  // Requests are rejected until Timeout elapses
	HalfOpen              // One probe at a time decides whether to close
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls when the breaker trips and recovers.
type Config struct {
	FailureThreshold int           // Consecutive provider failures before opening
	SuccessThreshold int           // Successful probes before closing again
	Timeout          time.Duration // Time spent open before the first probe
}

// DefaultConfig fills zero thresholds.
//
//nolint:gochecknoglobals // default config pattern
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
}

// Error is returned by Allow when a request may not reach the provider.
type Error struct {
	Provider   string
	State      State
	RetryAfter time.Duration // Zero while a half-open probe is in flight
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker for %s is %s, next probe in %s",
			e.Provider, e.State, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker for %s is %s", e.Provider, e.State)
}

// Breaker guards one provider. It is safe for concurrent use; in the
// half-open state only one request is let through at a time.
type Breaker struct {
	provider string
	config   Config
	now      func() time.Time
	logger   *logx.Logger

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
}

// New creates a closed breaker for provider.
func New(provider string, config Config) *Breaker {
	return newWithClock(provider, config, time.Now)
}

func newWithClock(provider string, config Config, now func() time.Time) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	return &Breaker{
		provider: provider,
		config:   config,
		now:      now,
		logger:   logx.NewLogger("circuit"),
	}
}

// Allow returns nil when a request may proceed and an *Error otherwise.
// Every allowed request must be followed by Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.config.Timeout {
			return &Error{Provider: b.provider, State: Open, RetryAfter: b.config.Timeout - elapsed}
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return &Error{Provider: b.provider, State: HalfOpen}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Record feeds back the outcome of an allowed request. Caller faults such
// as a rejected prompt or a cancelled context say nothing about provider
// health and leave the counters untouched.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	switch {
	case err == nil:
		b.onSuccess()
	case isProviderFailure(err):
		b.onFailure()
	}
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(Closed)
		}
	}
}

func (b *Breaker) onFailure() {
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0

	switch to {
	case Open:
		b.openedAt = b.now()
		b.logger.Warn("circuit for %s opened (%s -> %s); rejecting requests for %s",
			b.provider, from, to, b.config.Timeout)
	case Closed:
		b.logger.Info("circuit for %s closed after %d successful probes", b.provider, b.config.SuccessThreshold)
	default:
		b.logger.Debug("circuit for %s is %s", b.provider, to)
	}
}

// isProviderFailure is false for caller cancellation and for errors about
// the request or the reply rather than the provider.
func isProviderFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeBadPrompt, llmerrors.ErrorTypeEmptyResponse:
		return false
	default:
		return true
	}
}
