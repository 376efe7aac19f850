package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker/pkg/consensus"
	"maker/pkg/eventlog"
)

const (
	trainSchedule = "../../configs/train_schedule.yaml"
	dryRunConfig  = "../../configs/dry_run.yaml"
)

// execute runs the root command with args in an isolated project dir.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--project-dir", t.TempDir()}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "maker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "maker dev")
}

func TestRunTrainScheduleDryRun(t *testing.T) {
	out, err := execute(t, "run", trainSchedule, "--config", dryRunConfig)
	require.NoError(t, err)

	assert.Contains(t, out, "Running train-schedule: 5 stage(s), margin 3, max attempts 15")
	assert.Contains(t, out, "1 arrive-b")
	assert.Contains(t, out, "Final answer: 11:45AM")
	assert.Contains(t, out, "Expected: 11:45AM (MATCH)")
	assert.NotContains(t, out, "Run ID")
}

func TestRunPersistsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	t.Setenv("MAKER_PERSISTENCE_ENABLED", "true")
	t.Setenv("MAKER_PERSISTENCE_PATH", dbPath)

	out, err := execute(t, "run", trainSchedule, "--config", dryRunConfig)
	require.NoError(t, err)

	match := regexp.MustCompile(`Run ID: (\S+)`).FindStringSubmatch(out)
	require.Len(t, match, 2, out)
	runID := match[1]

	out, err = execute(t, "history", "--config", dryRunConfig)
	require.NoError(t, err)
	assert.Contains(t, out, runID[:8])
	assert.Contains(t, out, "train-schedule")
	assert.Contains(t, out, "succeeded")
	assert.Contains(t, out, "11:45AM")

	out, err = execute(t, "history", runID[:8], "--config", dryRunConfig)
	require.NoError(t, err)
	assert.Contains(t, out, "Run "+runID)
	assert.Contains(t, out, "expected 11:45AM")
	assert.Contains(t, out, "5 arrive-d")
	assert.Contains(t, out, "CONVERGED")

	_, err = execute(t, "history", "--delete", "--config", dryRunConfig)
	assert.Error(t, err)

	out, err = execute(t, "history", "--delete", runID, "--config", dryRunConfig)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted run "+runID)

	out, err = execute(t, "history", "--config", dryRunConfig)
	require.NoError(t, err)
	assert.Contains(t, out, "No runs recorded yet")
}

func TestRunStageFailure(t *testing.T) {
	cfg := writeConfig(t, `
oracle:
  provider: scripted
  script:
    cycle: true
    rules:
      - responses: ["I cannot tell."]
persistence:
  enabled: false
`)

	out, err := execute(t, "run", trainSchedule, "--config", cfg, "--max-attempts", "3")
	require.Error(t, err)
	assert.ErrorIs(t, err, errRunFailed)
	assert.ErrorIs(t, err, consensus.ErrNoVotes)
	assert.Contains(t, out, "FAILED at stage 1 (arrive-b)")
}

func TestRunRejectsInvalidFlags(t *testing.T) {
	_, err := execute(t, "run", trainSchedule, "--config", dryRunConfig, "--margin", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid options")

	_, err = execute(t, "run", "missing.yaml", "--config", dryRunConfig)
	assert.Error(t, err)
}

func TestAsk(t *testing.T) {
	out, err := execute(t, "ask", "--config", dryRunConfig,
		"A train leaves Station A at 8:15 AM. It takes 45 minutes to reach Station B.")
	require.NoError(t, err)

	assert.Contains(t, out, "Answer: 09:00AM")
	assert.Contains(t, out, "CONVERGED")
	assert.Contains(t, out, "09:05AM")
}

func TestAskWritesEventLog(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MAKER_LOGGING_EVENT_DIR", dir)

	_, err := execute(t, "ask", "--config", dryRunConfig,
		"A train leaves Station A at 8:15 AM. It takes 45 minutes to reach Station B.")
	require.NoError(t, err)

	files, err := eventlog.ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	events, err := eventlog.ReadEvents(files[0])
	require.NoError(t, err)
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, eventlog.KindRun, last.Kind)
	assert.Equal(t, askStage, last.Stage)
	assert.Equal(t, "09:00AM", last.Answer)
	assert.Equal(t, "converged", last.Result)
	assert.Len(t, events, last.Attempts+1)

	out, err := execute(t, "events", "--runs", "--config", dryRunConfig)
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("converged 09:00AM after %d attempts", last.Attempts))
	assert.NotContains(t, out, "sample")

	out, err = execute(t, "events", "--stage", "nope", "--config", dryRunConfig)
	require.NoError(t, err)
	assert.Contains(t, out, "No events recorded")
}

func TestEventsWithoutEventDir(t *testing.T) {
	_, err := execute(t, "events", "--config", dryRunConfig)
	assert.ErrorContains(t, err, "no event log configured")
}

func TestAskExhaustedWarns(t *testing.T) {
	cfg := writeConfig(t, `
oracle:
  provider: scripted
  script:
    cycle: true
    rules:
      - responses: ["Final Answer: 9:00 AM", "Final Answer: 9:05 AM"]
persistence:
  enabled: false
`)

	out, err := execute(t, "ask", "--config", cfg, "--max-attempts", "4", "any task")
	require.NoError(t, err)
	assert.Contains(t, out, "Answer: 09:00AM")
	assert.Contains(t, out, "EXHAUSTED")
	assert.Contains(t, out, "plurality answer")
}

func TestHistoryWithoutDatabase(t *testing.T) {
	t.Setenv("MAKER_PERSISTENCE_PATH", filepath.Join(t.TempDir(), "none.db"))

	out, err := execute(t, "history", "--config", dryRunConfig)
	require.NoError(t, err)
	assert.Contains(t, out, "No run history")
}

func TestStats(t *testing.T) {
	_, err := execute(t, "stats", "--config", dryRunConfig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no Prometheus server configured")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data":   map[string]any{"resultType": "vector", "result": []any{}},
		})
	}))
	defer srv.Close()

	out, err := execute(t, "stats", "--config", dryRunConfig, "--prometheus-url", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "No consensus metrics recorded yet")
}

func TestSecrets(t *testing.T) {
	projectDir := t.TempDir()
	t.Setenv(EnvPassword, "correct horse")

	saved := readHidden
	t.Cleanup(func() { readHidden = saved })
	readHidden = func(string) (string, error) { return "sk-test-value", nil }

	run := func(args ...string) (string, error) {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&out)
		cmd.SetArgs(append([]string{"--project-dir", projectDir}, args...))
		err := cmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := run("secrets", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No secrets stored")

	out, err = run("secrets", "set", "ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Contains(t, out, "Saved ANTHROPIC_API_KEY")

	out, err = run("secrets", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ANTHROPIC_API_KEY")
	assert.NotContains(t, out, "sk-test-value")

	_, err = run("secrets", "delete", "OPENAI_API_KEY")
	assert.Error(t, err)

	out, err = run("secrets", "delete", "ANTHROPIC_API_KEY")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted ANTHROPIC_API_KEY")

	t.Setenv(EnvPassword, "wrong")
	_, err = run("secrets", "list")
	assert.Error(t, err)
}
