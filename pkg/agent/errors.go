package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/agentcore/pkg/llm"
	"github.com/harun/agentcore/pkg/sandbox"
)

var (
	// ErrUserInput marks a malformed run request.
	ErrUserInput = errors.New("invalid run request")
	// ErrBudgetExceeded is returned when the turn loop hits its cap.
	ErrBudgetExceeded = errors.New("turn budget exceeded")
	// ErrDuplicateRun is returned when a run id is claimed and still running.
	ErrDuplicateRun = errors.New("run already in progress")
)

// ErrorKind classifies a failed run.
type ErrorKind string

const (
	KindUserInput          ErrorKind = "user_input"
	KindSandboxUnavailable ErrorKind = "sandbox_unavailable"
	KindLLMFatal           ErrorKind = "llm_fatal"
	KindLLMExhausted       ErrorKind = "llm_exhausted"
	KindBudgetExceeded     ErrorKind = "budget_exceeded"
	KindStore              ErrorKind = "store"
	KindCanceled           ErrorKind = "canceled"
	KindInternal           ErrorKind = "internal"
)

// RunError is the error a run terminates with.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run failed (%s): %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

func runErr(kind ErrorKind, err error) *RunError {
	return &RunError{Kind: kind, Err: err}
}

// KindOf returns the run error kind of err, or empty when err is not a
// *RunError.
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// classifyLLM maps a gateway error to a run error.
func classifyLLM(err error) *RunError {
	var fe *llm.FallbackError
	switch {
	case errors.Is(err, llm.ErrUnknownModel), errors.Is(err, llm.ErrModelDisabled), errors.Is(err, llm.ErrEmptyChain):
		return runErr(KindUserInput, fmt.Errorf("%w: %w", ErrUserInput, err))
	case errors.As(err, &fe) && fe.Fatal:
		if errors.Is(fe.Last(), context.Canceled) {
			return runErr(KindCanceled, err)
		}
		return runErr(KindLLMFatal, err)
	case errors.As(err, &fe):
		return runErr(KindLLMExhausted, err)
	case errors.Is(err, sandbox.ErrSandboxUnavailable):
		return runErr(KindSandboxUnavailable, err)
	}
	return runErr(KindLLMFatal, err)
}
