package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/ChuLiYu/chunkrun/internal/journal"
	"github.com/ChuLiYu/chunkrun/internal/worker"
	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// ErrChunkFailed matches every *ChunkFailure via errors.Is.
var ErrChunkFailed = errors.New("chunk failed")

// ChunkFailure halts a job: at least one worker of the chunk failed. The
// checkpoint was left at Chunk.Range.Start.
type ChunkFailure struct {
	Chunk   types.Chunk
	Workers []worker.Result // failing workers only, in task order

	errs *multierror.Error
}

func newChunkFailure(chunk types.Chunk, failed []worker.Result) *ChunkFailure {
	var errs *multierror.Error
	for _, r := range failed {
		errs = multierror.Append(errs, fmt.Errorf("worker %d %s exited with status %d (log: %s)",
			r.TaskIndex, r.Range, r.ExitStatus, r.LogPath))
	}
	if errs != nil {
		errs.ErrorFormat = func(es []error) string {
			parts := make([]string, len(es))
			for i, e := range es {
				parts[i] = e.Error()
			}
			return strings.Join(parts, "; ")
		}
	}
	return &ChunkFailure{Chunk: chunk, Workers: failed, errs: errs}
}

func (f *ChunkFailure) Error() string {
	return fmt.Sprintf("chunk %d %s failed: %d worker(s) failed: %s",
		f.Chunk.Index, f.Chunk.Range, len(f.Workers), f.errs.ErrorOrNil())
}

// Unwrap lets errors.Is match ErrChunkFailed.
func (f *ChunkFailure) Unwrap() error {
	return ErrChunkFailed
}

// WorkerErrors returns one error per failing worker.
func (f *ChunkFailure) WorkerErrors() []error {
	if f.errs == nil {
		return nil
	}
	return f.errs.WrappedErrors()
}

// ExitCode propagates the first failing worker's status, kept within the
// 1..255 range a process can exit with.
func (f *ChunkFailure) ExitCode() int {
	if len(f.Workers) == 0 {
		return 1
	}
	code := f.Workers[0].ExitStatus
	switch {
	case code <= 0:
		return 1
	case code > 255:
		return 255
	}
	return code
}

func (f *ChunkFailure) journalEntries() []journal.WorkerFailure {
	out := make([]journal.WorkerFailure, 0, len(f.Workers))
	for _, r := range f.Workers {
		out = append(out, journal.WorkerFailure{
			Worker:     r.TaskIndex,
			Range:      r.Range,
			ExitStatus: r.ExitStatus,
			LogPath:    r.LogPath,
		})
	}
	return out
}
