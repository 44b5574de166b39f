package sandbox

import (
	"context"
	"errors"
	"time"
)

// ExitCodeFailed is reported when a command could not be run to completion.
const ExitCodeFailed = -1

var (
	// ErrUnavailable means the sandbox could not be reached even after recreation.
	ErrUnavailable = errors.New("sandbox unavailable")
	// ErrTimeout means the command did not finish in time. The command is left
	// running inside the sandbox; the sandbox itself is still considered healthy.
	ErrTimeout = errors.New("command timed out")
)

// Result represents the output of a command run in the sandbox.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// FailureResult converts an execution error into a structured command failure:
// sentinel exit code, empty stdout and the error text on stderr.
func FailureResult(err error) *Result {
	return &Result{ExitCode: ExitCodeFailed, Stderr: err.Error()}
}

// State is the lifecycle state of the sandbox handle.
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateCrashed  State = "crashed"
)

// Executor runs shell commands in the shared sandbox.
type Executor interface {
	// Execute runs command through the sandbox shell. A zero timeout uses the
	// manager default. Errors wrap ErrUnavailable or ErrTimeout where they apply.
	Execute(ctx context.Context, command string, timeout time.Duration) (*Result, error)
}

// Manager owns the lifecycle of the single named sandbox.
type Manager interface {
	Executor

	// EnsureAlive creates or starts the sandbox if needed.
	EnsureAlive(ctx context.Context) error

	// State reports the current handle state.
	State() State

	// Teardown stops and removes the sandbox. It is idempotent.
	Teardown(ctx context.Context) error

	// Close releases resources held by the manager (e.g. docker client).
	Close() error
}
