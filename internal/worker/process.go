// ============================================================================
// chunkrun Process Runner - one OS process per worker task
// ============================================================================
//
// Package: internal/worker
// File: process.go
//
// How it works:
//   1. Open the task's log file in append mode (created if missing)
//   2. Write a header line so reruns of the same chunk stay distinguishable
//   3. Start the worker executable with the task rendered into its environment
//   4. Wait for it and translate the exit into a status code
//
// There is deliberately no timeout and no kill path: a hung worker blocks
// its chunk until an operator intervenes.
//
// ============================================================================

package worker

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// ProcessRunner launches the worker executable as a child process.
type ProcessRunner struct {
	Command  string            // worker executable
	Args     []string          // fixed arguments
	ExtraEnv map[string]string // additional variables, e.g. NETWORK
	BaseEnv  []string          // inherited environment, os.Environ() when nil
	Dir      string            // working directory, inherited when empty
}

// NewProcessRunner builds a runner inheriting the current environment.
func NewProcessRunner(command string, args []string, extraEnv map[string]string) *ProcessRunner {
	return &ProcessRunner{
		Command:  command,
		Args:     args,
		ExtraEnv: extraEnv,
	}
}

// Run implements Runner.
func (p *ProcessRunner) Run(task types.WorkerTask) (int, error) {
	logFile, err := openLog(task.LogPath)
	if err != nil {
		return ExitLaunchFailed, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "# chunkrun %s chunk=%d worker=%d range=%s threads=%d reset_storage=%t\n",
		time.Now().UTC().Format(time.RFC3339), task.ChunkIndex, task.Index, task.Range, task.ThreadCount, task.ResetStorage)

	base := p.BaseEnv
	if base == nil {
		base = os.Environ()
	}

	cmd := exec.Command(p.Command, p.Args...)
	cmd.Env = BuildEnv(base, p.ExtraEnv, task)
	cmd.Dir = p.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(logFile, "# chunkrun launch failed: %v\n", err)
		return ExitLaunchFailed, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// terminated by a signal
			code = 1
		}
		return code, fmt.Errorf("worker exited: %s", exitErr.ProcessState.String())
	}
	return 1, fmt.Errorf("wait for worker: %w", err)
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return nil, errors.New("no log path assigned")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open worker log: %w", err)
	}
	return f, nil
}

// LogPath is the conventional per-worker log location.
func LogPath(dir string, chunkIndex, workerIndex int) string {
	return filepath.Join(dir, fmt.Sprintf("chunk-%05d-worker-%02d.log", chunkIndex, workerIndex))
}
