package worker

import (
	"time"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// ExitLaunchFailed is the synthetic status of a worker that never started.
const ExitLaunchFailed = -1

// Result is the outcome of one worker process
type Result struct {
	ChunkIndex int             // chunk the worker belonged to
	TaskIndex  int             // worker position within the chunk
	Range      types.WorkRange // slots assigned to the worker
	ExitStatus int             // process exit status, ExitLaunchFailed if never started
	LogPath    string          // where the worker's output went
	Err        error           // launch or wait error, nil on a clean exit 0
	Duration   time.Duration   // wall-clock time from launch to exit
}

// Succeeded reports whether the worker exited with status 0.
func (r Result) Succeeded() bool {
	return r.ExitStatus == 0 && r.Err == nil
}

// AllSucceeded is the chunk success rule: every worker exited 0.
func AllSucceeded(results []Result) bool {
	for _, r := range results {
		if !r.Succeeded() {
			return false
		}
	}
	return true
}

// Failed returns the failing results in task order.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Succeeded() {
			failed = append(failed, r)
		}
	}
	return failed
}
