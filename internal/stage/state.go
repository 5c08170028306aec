package stage

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of one stage run.
type State string

const (
	StatePlanned   State = "planned"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

var (
	// ErrStageExecutionFailed is wrapped by every *ExecutionError.
	ErrStageExecutionFailed = errors.New("stage execution failed")

	ErrInvalidTransition = errors.New("invalid state transition")
)

var allowedTransitions = map[State][]State{
	StatePlanned: {StateRunning, StateCompleted},
	StateRunning: {StateCompleted, StateFailed},
}

// Transition validates a move from one state to another. Planned may jump
// straight to Completed for dry runs and empty work-lists.
func Transition(from, to State) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// ExecutionError reports a failed batch: which stage, the exit code of the
// external executable (-1 when it never produced one), and the files in the
// batch. Nothing in the batch should be assumed processed.
type ExecutionError struct {
	Stage    string
	ExitCode int
	Files    []string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s stage failed (exit code %d, %d files): %v", e.Stage, e.ExitCode, len(e.Files), e.Err)
	}
	return fmt.Sprintf("%s stage failed (exit code %d, %d files)", e.Stage, e.ExitCode, len(e.Files))
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStageExecutionFailed}
	}
	return []error{ErrStageExecutionFailed, e.Err}
}
