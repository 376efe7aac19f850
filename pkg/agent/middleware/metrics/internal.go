package metrics

import (
	"sort"
	"sync"
	"time"
)

// InternalRecorder aggregates token usage per pipeline stage in memory so a
// run summary can be printed without a Prometheus server.
type InternalRecorder struct {
	stages map[string]*StageUsage
	mu     sync.RWMutex
}

// StageUsage represents aggregated oracle usage for one stage.
//
//nolint:govet
type StageUsage struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	FailedCount      int64     `json:"failed_count"`
	Stage            string    `json:"stage"`
	LastUpdated      time.Time `json:"last_updated"`
}

func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{
		stages: make(map[string]*StageUsage),
	}
}

// ObserveRequest aggregates token usage for the request's stage.
func (r *InternalRecorder) ObserveRequest(
	_, stage string,
	promptTokens, completionTokens int,
	success bool,
	_ string,
	_ time.Duration,
) {
	r.mu.Lock()
	defer r.mu.Unlock()

	usage, exists := r.stages[stage]
	if !exists {
		usage = &StageUsage{Stage: stage}
		r.stages[stage] = usage
	}

	usage.RequestCount++
	usage.LastUpdated = time.Now()
	if !success {
		usage.FailedCount++
		return
	}
	usage.PromptTokens += int64(promptTokens)
	usage.CompletionTokens += int64(completionTokens)
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
}

func (r *InternalRecorder) IncThrottle(_, _ string) {}

func (r *InternalRecorder) ObserveQueueWait(_ string, _ time.Duration) {}

// StageUsage returns a copy of the usage for stage, or nil if none was recorded.
func (r *InternalRecorder) StageUsage(stage string) *StageUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if usage, exists := r.stages[stage]; exists {
		cp := *usage
		return &cp
	}
	return nil
}

// AllStageUsage returns copies of all stage usage sorted by stage name.
func (r *InternalRecorder) AllStageUsage() []StageUsage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]StageUsage, 0, len(r.stages))
	for _, usage := range r.stages {
		out = append(out, *usage)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out
}
