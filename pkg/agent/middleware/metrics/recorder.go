// Package metrics records per-request LLM metrics for oracle calls.
package metrics

import (
	"time"
)

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(
		model, stage string,
		promptTokens, completionTokens int,
		success bool,
		errorType string,
		duration time.Duration,
	)

	// IncThrottle increments the throttle counter for rate limiting events.
	IncThrottle(model, reason string)

	// ObserveQueueWait records time spent waiting for rate limit availability.
	ObserveQueueWait(model string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObserveRequest(_, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}

func (n *NoopRecorder) IncThrottle(_, _ string) {}

func (n *NoopRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// Tee fans every observation out to all recorders.
func Tee(recorders ...Recorder) Recorder {
	out := make(tee, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type tee []Recorder

func (t tee) ObserveRequest(model, stage string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration) {
	for _, r := range t {
		r.ObserveRequest(model, stage, promptTokens, completionTokens, success, errorType, duration)
	}
}

func (t tee) IncThrottle(model, reason string) {
	for _, r := range t {
		r.IncThrottle(model, reason)
	}
}

func (t tee) ObserveQueueWait(model string, duration time.Duration) {
	for _, r := range t {
		r.ObserveQueueWait(model, duration)
	}
}
