package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maker/pkg/answer"
	"maker/pkg/consensus"
)

const sampleDefinition = `
name: two-step
margin: 2
max_attempts: 9
expected: "9:10 am"
stages:
  - name: arrive
    task: "Leave at 8:15 AM and travel 55 minutes."
  - name: depart
    task: "Arrive at {{previous}}, wait 0 minutes."
    margin: 4
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	assert.Equal(t, "two-step", def.Name)
	assert.Len(t, def.Stages, 2)
	assert.Equal(t, 4, def.Stages[1].Margin)

	cfg := def.Config()
	assert.Equal(t, 2, cfg.Margin)
	assert.Equal(t, 9, cfg.MaxAttempts)

	key, err := def.ExpectedKey()
	require.NoError(t, err)
	assert.Equal(t, answer.Key("09:10AM"), key)
}

func TestParseDefinitionErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown field", "name: x\nstagez: []\n", "stagez"},
		{"no stages", "name: x\n", "no stages"},
		{"unbound placeholder", "stages:\n  - task: \"{{previous}}\"\n", "first stage"},
		{"bad expected", "expected: soon\nstages:\n  - task: a\n", "expected"},
		{"negative margin", "margin: -1\nstages:\n  - task: a\n", "margin"},
		{"duplicate names", "stages:\n  - name: a\n    task: x\n  - name: a\n    task: y\n", "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDefinitionMissingFile(t *testing.T) {
	_, err := LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDefinitionFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinition), 0o600))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "two-step", def.Name)
}

func TestReportMismatchAndFailure(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	results := []StageResult{
		{Index: 0, Name: "arrive", Key: "09:10AM", Converged: true, Margin: 2,
			Result: consensus.Result{Key: "09:10AM", State: consensus.Converged, Attempts: 2, Votes: 2}},
		{Index: 1, Name: "depart", Key: "09:15AM", Converged: false, Margin: 4,
			Result: consensus.Result{Key: "09:15AM", State: consensus.Exhausted, Attempts: 9, Votes: 3}},
	}
	report, err := NewReport(def, results, nil)
	require.NoError(t, err)
	assert.False(t, report.AllConverged)
	assert.False(t, report.Matches())

	var out strings.Builder
	require.NoError(t, report.Write(&out))
	assert.Contains(t, out.String(), "MISMATCH")
	assert.Contains(t, out.String(), "Warning")

	stageErr := &StageError{Index: 1, Name: "depart", Attempts: 9, Err: consensus.ErrNoVotes}
	failed, err := NewReport(def, results[:1], stageErr)
	require.NoError(t, err)
	assert.False(t, failed.Succeeded())
	assert.False(t, failed.Matches())

	out.Reset()
	require.NoError(t, failed.Write(&out))
	assert.Contains(t, out.String(), "FAILED at stage 2 (depart)")
}

func TestNewReportNilDefinition(t *testing.T) {
	_, err := NewReport(nil, nil, nil)
	assert.True(t, errors.Is(err, errNoDefinition))
}
