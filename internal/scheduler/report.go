package scheduler

import (
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// Report summarises one scheduler run.
type Report struct {
	RunID       string
	State       State
	Resumed     bool
	ResetPolicy string
	Total       types.WorkRange
	StartFrom   uint64 // first slot this run scheduled
	NextStart   uint64 // checkpoint position when the run ended

	ChunksPlanned   uint64 // chunks between StartFrom and the range end
	ChunksCompleted int
	Chunks          []types.Chunk // every chunk this run started
	Duration        time.Duration

	Failure *ChunkFailure // set when State is Halted by a chunk failure
}

// Write prints a plain-text summary. Failure output lists each failing
// worker with its log so the operator can inspect it without re-running.
func (r *Report) Write(w io.Writer) {
	mode := "fresh"
	if r.Resumed {
		mode = "resumed"
	}
	fmt.Fprintf(w, "run %s (%s, %s)\n", r.RunID, mode, r.ResetPolicy)
	fmt.Fprintf(w, "  range:     %s from %d\n", r.Total, r.StartFrom)
	fmt.Fprintf(w, "  chunks:    %d of %d completed\n", r.ChunksCompleted, r.ChunksPlanned)
	fmt.Fprintf(w, "  duration:  %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  state:     %s\n", r.State)

	if r.Failure == nil {
		return
	}
	f := r.Failure
	fmt.Fprintf(w, "  failed chunk %d %s:\n", f.Chunk.Index, f.Chunk.Range)
	for _, res := range f.Workers {
		fmt.Fprintf(w, "    worker %d %s exit status %d, log: %s\n",
			res.TaskIndex, res.Range, res.ExitStatus, res.LogPath)
	}
	fmt.Fprintf(w, "  checkpoint left at %d; rerun the same command to resume\n", f.Chunk.Range.Start)
}
