package process

import "fmt"

// SpawnError reports that a process could not be created.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitError reports a process that was signaled or exited with a nonzero code.
type ExitError struct {
	Outcome Outcome
}

func (e *ExitError) Error() string {
	return "process " + e.Outcome.String()
}
