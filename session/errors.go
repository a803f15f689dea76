package session

import (
	"errors"
	"fmt"
	"time"
)

// ErrProcessDead is returned by Supervisor.Write after the subprocess
// has exited. Writes never block waiting for a dead process.
var ErrProcessDead = errors.New("subprocess has exited")

// ErrQueueSaturated is returned by Submit when the prompt queue has
// reached its configured depth. Callers should back off rather than
// retry immediately.
var ErrQueueSaturated = errors.New("prompt queue saturated")

// ErrSessionTerminated is returned when an operation is attempted
// against a session that has already been torn down.
var ErrSessionTerminated = errors.New("session terminated")

// SpawnError indicates the agent subprocess could not be started.
type SpawnError struct {
	Program string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Program, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TurnTimeoutError indicates a turn never produced the completion
// sentinel within the configured timeout. Escalation-eligible: the
// caller records the turn as incomplete and tears the session down.
type TurnTimeoutError struct {
	TurnIndex int
	Timeout   time.Duration
}

func (e *TurnTimeoutError) Error() string {
	return fmt.Sprintf("turn %d did not complete within %v", e.TurnIndex, e.Timeout)
}

// combineErrors combines multiple errors into a single error
func combineErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}

	errMsg := "multiple errors occurred:"
	for _, err := range errs {
		errMsg += "\n  - " + err.Error()
	}
	return fmt.Errorf("%s", errMsg)
}
