// ============================================================================
// chunkrun Worker Runner Interface
// ============================================================================
//
// Package: internal/worker
// File: runner.go
// Purpose: Defines how a single worker task is executed.
//
// Motivation:
//   The Supervisor only cares about "run this task, tell me how it exited".
//   Keeping that behind an interface lets the Supervisor be tested without
//   spawning processes, and lets the production path use ProcessRunner.
//
// ============================================================================

package worker

import (
	"errors"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// ErrLaunchFailed marks a worker that could not be started at all.
var ErrLaunchFailed = errors.New("worker launch failed")

// Runner executes one worker task to completion.
type Runner interface {
	// Run blocks until the worker has terminated.
	//
	// Returns:
	//   - int: the worker's exit status, ExitLaunchFailed if it never started
	//   - error: nil for exit 0, otherwise the launch or exit error
	Run(task types.WorkerTask) (int, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(task types.WorkerTask) (int, error)

// Run calls f(task).
func (f RunnerFunc) Run(task types.WorkerTask) (int, error) {
	return f(task)
}
