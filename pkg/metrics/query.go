package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"maker/pkg/logx"
)

var logger = logx.NewLogger("metrics-query")

// StageStats represents aggregated consensus metrics for one pipeline stage.
type StageStats struct {
	Stage            string  `json:"stage"`
	Runs             int64   `json:"runs"`
	Converged        int64   `json:"converged"`
	Exhausted        int64   `json:"exhausted"`
	Failed           int64   `json:"failed"`
	Samples          int64   `json:"samples"`
	Unparseable      int64   `json:"unparseable"`
	MeanAttempts     float64 `json:"mean_attempts"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// ConvergenceRate is the share of runs that met the margin.
func (s *StageStats) ConvergenceRate() float64 {
	if s.Runs == 0 {
		return 0
	}
	return float64(s.Converged) / float64(s.Runs)
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetStageStats retrieves consensus metrics aggregated per stage, sorted by stage name.
func (q *QueryService) GetStageStats(ctx context.Context) ([]StageStats, error) {
	byStage := make(map[string]*StageStats)
	stats := func(stage string) *StageStats {
		s, ok := byStage[stage]
		if !ok {
			s = &StageStats{Stage: stage}
			byStage[stage] = s
		}
		return s
	}

	queries := []struct {
		query string
		apply func(s *StageStats, v float64)
	}{
		{`sum by (stage) (maker_consensus_runs_total)`, func(s *StageStats, v float64) { s.Runs = int64(v) }},
		{fmt.Sprintf(`sum by (stage) (maker_consensus_runs_total{result=%q})`, ResultConverged),
			func(s *StageStats, v float64) { s.Converged = int64(v) }},
		{fmt.Sprintf(`sum by (stage) (maker_consensus_runs_total{result=%q})`, ResultExhausted),
			func(s *StageStats, v float64) { s.Exhausted = int64(v) }},
		{`sum by (stage) (maker_consensus_samples_total)`, func(s *StageStats, v float64) { s.Samples = int64(v) }},
		{`sum by (stage) (maker_consensus_samples_total{outcome="unparseable"})`,
			func(s *StageStats, v float64) { s.Unparseable = int64(v) }},
		{`sum by (stage) (maker_consensus_attempts_sum) / sum by (stage) (maker_consensus_attempts_count)`,
			func(s *StageStats, v float64) { s.MeanAttempts = v }},
		{`sum by (stage) (llm_tokens_total{type="prompt"})`, func(s *StageStats, v float64) { s.PromptTokens = int64(v) }},
		{`sum by (stage) (llm_tokens_total{type="completion"})`,
			func(s *StageStats, v float64) { s.CompletionTokens = int64(v) }},
	}

	for _, qq := range queries {
		vector, err := q.queryVector(ctx, qq.query)
		if err != nil {
			return nil, err
		}
		for _, sample := range vector {
			stage := string(sample.Metric["stage"])
			qq.apply(stats(stage), float64(sample.Value))
		}
	}

	result := make([]StageStats, 0, len(byStage))
	for _, s := range byStage {
		s.Failed = s.Runs - s.Converged - s.Exhausted
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Stage < result[j].Stage })
	return result, nil
}

func (q *QueryService) queryVector(ctx context.Context, query string) (model.Vector, error) {
	value, warnings, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", query, err)
	}
	for _, w := range warnings {
		logger.Warn("prometheus warning for %q: %s", query, w)
	}

	vector, ok := value.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("query %q returned %s, want vector", query, value.Type())
	}
	return vector, nil
}
