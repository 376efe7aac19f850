// Package oracle defines the stochastic answer source that consensus voting samples.
//
// An Oracle is an explicit capability passed to the consensus loop. It may be
// a language model behind an llm.LLMClient, a scripted fake for tests and dry
// runs, or any other nondeterministic solver.
package oracle

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks failures of the oracle itself, as opposed to a sample
// that merely came back in the wrong format.
var ErrUnavailable = errors.New("oracle unavailable")

//go:generate go run go.uber.org/mock/mockgen -destination=oraclemock/oracle.go -package=oraclemock maker/pkg/oracle Oracle

// Oracle produces one free-form response for task.
type Oracle interface {
	Generate(ctx context.Context, task string, temperature float32) (string, error)
}

// Func adapts a plain function to Oracle.
type Func func(ctx context.Context, task string, temperature float32) (string, error)

// Generate calls f.
func (f Func) Generate(ctx context.Context, task string, temperature float32) (string, error) {
	return f(ctx, task, temperature)
}

type unavailableError struct {
	err error
}

func (e *unavailableError) Error() string {
	return fmt.Sprintf("%s: %v", ErrUnavailable, e.err)
}

func (e *unavailableError) Unwrap() error { return e.err }

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds while the
// original cause stays reachable through errors.Is/As.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return &unavailableError{err: err}
}

type stageKey struct{}

// WithStage labels oracle calls made with ctx with a pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFromContext returns the stage label set by WithStage, or "".
func StageFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	stage, _ := ctx.Value(stageKey{}).(string)
	return stage
}
