// ============================================================================
// chunkrun chunk tracker - per-run chunk state machine
// ============================================================================
//
// Package: internal/chunkstate
// File: tracker.go
// Purpose: Keep the state of every chunk started by one scheduler run
//
// State machine:
//   Pending
//      ↓ MarkRunning()
//   Running
//      ↓ MarkCompleted() or MarkFailed()
//   Completed / Failed
//
// There is no retry edge. A failed chunk halts the run, and the next run
// walks its chunks again from the checkpoint. The scheduler adds each chunk
// as it reaches it, so Pending covers only chunks added ahead of time.
//
// Data layout:
//   chunks map[int]*Chunk - single source of truth, keyed by job-wide index
//   order  []int          - plan order for Chunks()
//
// Concurrency: sync.RWMutex guards everything; reads take RLock.
//
// ============================================================================

package chunkstate

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

var (
	// ErrDuplicateChunk is returned when a chunk index is added twice
	ErrDuplicateChunk = errors.New("chunk already tracked")
	// ErrChunkNotFound is returned for an unknown chunk index
	ErrChunkNotFound = errors.New("chunk not found")
	// ErrInvalidTransition is returned when a move breaks the state machine
	ErrInvalidTransition = errors.New("invalid chunk state transition")
)

// Tracker records chunk states for one run.
type Tracker struct {
	mu     sync.RWMutex
	chunks map[int]*types.Chunk
	order  []int
}

// Stats summarises a tracker.
type Stats struct {
	Total       int
	Pending     int
	Running     int
	Completed   int
	Failed      int
	AvgDuration time.Duration // mean wall time of completed chunks
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{chunks: make(map[int]*types.Chunk)}
}

// Add registers planned chunks as Pending.
func (t *Tracker) Add(chunks ...types.Chunk) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range chunks {
		if _, exists := t.chunks[c.Index]; exists {
			return fmt.Errorf("%w: index %d", ErrDuplicateChunk, c.Index)
		}
	}
	for _, c := range chunks {
		chunk := c
		chunk.State = types.ChunkPending
		t.chunks[chunk.Index] = &chunk
		t.order = append(t.order, chunk.Index)
	}
	return nil
}

// MarkRunning moves a chunk Pending → Running.
func (t *Tracker) MarkRunning(index int, now time.Time) error {
	return t.transition(index, types.ChunkPending, types.ChunkRunning, func(c *types.Chunk) {
		c.StartedAt = now
	})
}

// MarkCompleted moves a chunk Running → Completed.
func (t *Tracker) MarkCompleted(index int, now time.Time) error {
	return t.transition(index, types.ChunkRunning, types.ChunkCompleted, func(c *types.Chunk) {
		c.FinishedAt = now
		c.Duration = now.Sub(c.StartedAt)
	})
}

// MarkFailed moves a chunk Running → Failed.
func (t *Tracker) MarkFailed(index int, now time.Time) error {
	return t.transition(index, types.ChunkRunning, types.ChunkFailed, func(c *types.Chunk) {
		c.FinishedAt = now
		c.Duration = now.Sub(c.StartedAt)
	})
}

func (t *Tracker) transition(index int, from, to types.ChunkState, apply func(*types.Chunk)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.chunks[index]
	if !ok {
		return fmt.Errorf("%w: index %d", ErrChunkNotFound, index)
	}
	if c.State != from {
		return fmt.Errorf("%w: chunk %d is %s, want %s before %s", ErrInvalidTransition, index, c.State, from, to)
	}
	c.State = to
	apply(c)
	return nil
}

// Get returns a copy of one chunk.
func (t *Tracker) Get(index int) (types.Chunk, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.chunks[index]
	if !ok {
		return types.Chunk{}, false
	}
	return *c, true
}

// Chunks returns copies of every chunk in plan order.
func (t *Tracker) Chunks() []types.Chunk {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Chunk, 0, len(t.order))
	for _, idx := range t.order {
		out = append(out, *t.chunks[idx])
	}
	return out
}

// Remaining counts chunks that have not finished.
func (t *Tracker) Remaining() int {
	s := t.Stats()
	return s.Pending + s.Running
}

// Stats counts chunks per state.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var s Stats
	var total time.Duration
	for _, c := range t.chunks {
		s.Total++
		switch c.State {
		case types.ChunkPending:
			s.Pending++
		case types.ChunkRunning:
			s.Running++
		case types.ChunkCompleted:
			s.Completed++
			total += c.Duration
		case types.ChunkFailed:
			s.Failed++
		}
	}
	if s.Completed > 0 {
		s.AvgDuration = total / time.Duration(s.Completed)
	}
	return s
}

// EstimateRemaining projects the time left from the mean completed-chunk
// duration. Zero until one chunk has completed.
func (t *Tracker) EstimateRemaining() time.Duration {
	s := t.Stats()
	return Project(s.AvgDuration, uint64(s.Pending+s.Running))
}

// EstimateFor projects the time left for n more chunks from the mean
// completed-chunk duration.
func (t *Tracker) EstimateFor(n uint64) time.Duration {
	return Project(t.Stats().AvgDuration, n)
}

// Project returns d × n, saturating at the largest Duration.
func Project(d time.Duration, n uint64) time.Duration {
	if d <= 0 || n == 0 {
		return 0
	}
	if n > uint64(math.MaxInt64/d) {
		return math.MaxInt64
	}
	return d * time.Duration(n)
}
