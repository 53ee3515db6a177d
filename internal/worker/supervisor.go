// ============================================================================
// chunkrun Worker Supervisor - fan out one chunk, join every worker
// ============================================================================
//
// Package: internal/worker
// File: supervisor.go
// Purpose: Launch every task of a chunk concurrently and collect typed results
//
// Supervision policy: observe everything, then decide.
//   ┌──────────────┐
//   │  Scheduler   │ --RunChunk(tasks)-->
//   └──────────────┘
//          ↑                ┌────────────┐
//      []Result             │ Supervisor │
//          ↑                │ ┌────────┐ │
//          └──── Wait() ────│ │task 0  │─┼─→ Runner.Run → process 0
//                           │ │task 1  │─┼─→ Runner.Run → process 1
//                           │ │task n  │─┼─→ Runner.Run → process n
//                           │ └────────┘ │
//                           └────────────┘
//
//   - every task runs in its own goroutine
//   - a failing worker never cancels its siblings
//   - RunChunk returns only after every worker has terminated
//   - results come back in task order, one per task
//   - no retries at this level
//
// ============================================================================

package worker

import (
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// Supervisor runs the workers of one chunk.
type Supervisor struct {
	runner Runner
	logger *slog.Logger
}

// NewSupervisor creates a supervisor backed by runner.
func NewSupervisor(runner Runner, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{runner: runner, logger: logger}
}

// RunChunk launches every task concurrently and blocks until all have exited.
func (s *Supervisor) RunChunk(tasks []types.WorkerTask) []Result {
	results := make([]Result, len(tasks))

	// Goroutines never return an error, so the group waits for all of them.
	var g errgroup.Group
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = s.runOne(task)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// runOne executes a single task, turning panics into a failed result.
func (s *Supervisor) runOne(task types.WorkerTask) (res Result) {
	start := time.Now()
	res = Result{
		ChunkIndex: task.ChunkIndex,
		TaskIndex:  task.Index,
		Range:      task.Range,
		LogPath:    task.LogPath,
	}

	defer func() {
		if r := recover(); r != nil {
			res.ExitStatus = ExitLaunchFailed
			res.Err = fmt.Errorf("%w: runner panic: %v", ErrLaunchFailed, r)
		}
		res.Duration = time.Since(start)
		s.logResult(res)
	}()

	s.logger.Debug("Launching worker",
		"chunk", task.ChunkIndex,
		"worker", task.Index,
		"range", task.Range.String(),
		"reset_storage", task.ResetStorage,
		"log", task.LogPath)

	res.ExitStatus, res.Err = s.runner.Run(task)
	if res.Err == nil && res.ExitStatus != 0 {
		res.Err = fmt.Errorf("worker exited with status %d", res.ExitStatus)
	}
	return res
}

func (s *Supervisor) logResult(res Result) {
	if res.Succeeded() {
		s.logger.Info("Worker finished",
			"chunk", res.ChunkIndex,
			"worker", res.TaskIndex,
			"range", res.Range.String(),
			"duration", res.Duration)
		return
	}
	s.logger.Error("Worker failed",
		"chunk", res.ChunkIndex,
		"worker", res.TaskIndex,
		"range", res.Range.String(),
		"exit_status", res.ExitStatus,
		"log", res.LogPath,
		"error", res.Err)
}
