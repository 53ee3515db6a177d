// ============================================================================
// chunkrun Range Partitioner
// ============================================================================
//
// Package: internal/partition
// File: partition.go
// Purpose: Split slot ranges into chunks and chunks into per-worker sub-ranges
//
// Both functions are pure. The same inputs always produce the same layout,
// which is what makes resuming from a chunk boundary idempotent.
//
// Worker split (Partition):
//   total = end - start, base = total / n, remainder = total % n
//   the first `remainder` sub-ranges hold base+1 slots, the rest hold base
//
//   [0, 10) / 3  →  [0,4) [4,7) [7,10)
//
// Chunk split (ChunkEnd / PlanChunks):
//   [from, end) cut every chunkSize slots, the last chunk takes what is left
//   the scheduler walks chunks one at a time with ChunkEnd; PlanChunks
//   materialises the list for previews and refuses more than MaxPlannedChunks
//
// ============================================================================

package partition

import (
	"fmt"
	"math"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// Partition splits r into n contiguous, non-overlapping sub-ranges.
// When n exceeds the range length the trailing sub-ranges are empty
// (Start == End); callers that launch workers should skip those.
func Partition(r types.WorkRange, n int) ([]types.WorkRange, error) {
	if n < 1 || n > types.MaxWorkersPerChunk {
		return nil, types.NewConfigError("workers", fmt.Sprintf("must be within [1, %d], got %d", types.MaxWorkersPerChunk, n))
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	total := r.Len()
	base := total / uint64(n)
	remainder := total % uint64(n)

	parts := make([]types.WorkRange, 0, n)
	cursor := r.Start
	for i := 0; i < n; i++ {
		size := base
		if uint64(i) < remainder {
			size++
		}
		parts = append(parts, types.WorkRange{Start: cursor, End: cursor + size})
		cursor += size
	}

	return parts, nil
}

// MaxPlannedChunks bounds the list PlanChunks will build.
const MaxPlannedChunks = 100_000

// ChunkCount returns how many chunks cover [from, end) at chunkSize.
func ChunkCount(from, end, chunkSize uint64) uint64 {
	if chunkSize == 0 || from >= end {
		return 0
	}
	span := end - from
	count := span / chunkSize
	if span%chunkSize != 0 {
		count++
	}
	return count
}

// ChunkEnd returns min(start+chunkSize, end) without overflowing.
func ChunkEnd(start, end, chunkSize uint64) uint64 {
	if end-start <= chunkSize {
		return end
	}
	return start + chunkSize
}

// PlanChunks lays out the chunks of [from, total.End). Indexes continue the
// numbering of the whole job so a resumed run reports the same chunk
// numbers as the run it resumes, provided the chunk size did not change.
func PlanChunks(total types.WorkRange, from, chunkSize uint64) ([]types.Chunk, error) {
	if err := total.Validate(); err != nil {
		return nil, err
	}
	if chunkSize == 0 {
		return nil, types.NewConfigError("chunk_size", "must be greater than 0")
	}
	if from < total.Start || from > total.End {
		return nil, types.NewConfigError("resume_position", fmt.Sprintf("%d lies outside %s", from, total))
	}
	count := ChunkCount(from, total.End, chunkSize)
	if count > MaxPlannedChunks {
		return nil, types.NewConfigError("chunk_size",
			fmt.Sprintf("%d slots from %d would need %d chunks, more than the %d a plan can list", total.End-from, from, count, MaxPlannedChunks))
	}

	firstIndex, err := FirstChunkIndex(total.Start, from, chunkSize)
	if err != nil {
		return nil, err
	}
	chunks := make([]types.Chunk, 0, int(count))
	for start, idx := from, firstIndex; start < total.End; idx++ {
		end := ChunkEnd(start, total.End, chunkSize)
		chunks = append(chunks, types.Chunk{
			Index: idx,
			Range: types.WorkRange{Start: start, End: end},
			State: types.ChunkPending,
		})
		start = end
	}
	return chunks, nil
}

// FirstChunkIndex is the job-wide index of the chunk beginning at from.
// Positions whose index does not fit an int are rejected.
func FirstChunkIndex(jobStart, from, chunkSize uint64) (int, error) {
	if chunkSize == 0 || from <= jobStart {
		return 0, nil
	}
	n := ChunkCount(jobStart, from, chunkSize)
	if n > math.MaxInt {
		return 0, types.NewConfigError("resume_position",
			fmt.Sprintf("%d is %d chunks past %d, beyond the chunk numbering", from, n, jobStart))
	}
	return int(n), nil
}
