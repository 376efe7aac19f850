package oracle

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrScriptExhausted is returned (wrapped as unavailable) when a non-cycling
// script runs out of responses.
var ErrScriptExhausted = errors.New("scripted oracle: no responses left")

// Rule selects responses for tasks containing Match. An empty Match matches every task.
type Rule struct {
	Match     string   `yaml:"match"`
	Responses []string `yaml:"responses"`
}

// Scripted is a deterministic Oracle that replays canned responses. Each rule
// keeps its own cursor. It is safe for concurrent use.
type Scripted struct {
	mu      sync.Mutex
	rules   []Rule
	cursors []int
	cycle   bool
	calls   int
}

// NewScripted replays responses in order for every task.
func NewScripted(cycle bool, responses ...string) *Scripted {
	return NewScriptedRules(cycle, Rule{Responses: responses})
}

// NewScriptedRules uses the first rule whose Match is contained in the task.
func NewScriptedRules(cycle bool, rules ...Rule) *Scripted {
	return &Scripted{
		rules:   rules,
		cursors: make([]int, len(rules)),
		cycle:   cycle,
	}
}

// Generate implements Oracle.
func (s *Scripted) Generate(ctx context.Context, task string, _ float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	for i, rule := range s.rules {
		if rule.Match != "" && !strings.Contains(task, rule.Match) {
			continue
		}
		if len(rule.Responses) == 0 {
			break
		}
		n := s.cursors[i]
		if n >= len(rule.Responses) {
			if !s.cycle {
				return "", Unavailable(ErrScriptExhausted)
			}
			n %= len(rule.Responses)
		}
		s.cursors[i] = n + 1
		return rule.Responses[n], nil
	}
	return "", Unavailable(ErrScriptExhausted)
}

// Calls returns how many times Generate was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
