// Package sandbox runs generated scripts in isolated Docker containers.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// Result is the captured outcome of one script run.
type Result struct {
	Label    string
	Output   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ExecutionError reports a run that failed or exited non-zero.
type ExecutionError struct {
	Label    string
	ExitCode int
	Output   string
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execution of %s failed: %v", e.Label, e.Err)
	}
	if e.Output != "" {
		return fmt.Sprintf("execution of %s exited with code %d: %s", e.Label, e.ExitCode, e.Output)
	}
	return fmt.Sprintf("execution of %s exited with code %d", e.Label, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Gateway runs a script under isolation. The label names the run for logs
// and files; it never changes behavior.
type Gateway interface {
	Run(ctx context.Context, script, label string) (Result, error)
}
