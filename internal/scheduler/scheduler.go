// ============================================================================
// chunkrun Scheduler - top-level chunk control loop
// ============================================================================
//
// Package: internal/scheduler
// File: scheduler.go
// Purpose: Walk the job range chunk by chunk, fan each chunk out to workers,
//          advance the checkpoint after every fully successful chunk
//
// Components coordinated:
//   - checkpoint.Store        resume position (load / save / clear)
//   - partition               chunk layout and per-worker sub-ranges
//   - resetpolicy.Coordinator which worker may reset storage
//   - ChunkRunner             runs one chunk's workers and joins them all
//   - chunkstate.Tracker      per-run chunk states for reports
//   - journal / metrics       progress output, never consulted for resume
//
// State machine:
//   Idle → Scheduling(chunk i) → Scheduling(chunk i+1) ... → Completed
//                              ↘ Halted (first failed chunk, or ctx done)
//
// Run flow:
//   1. Load checkpoint; absent means fresh run from range start
//   2. Count chunks [nextStart, end); nothing is materialised up front
//   3. For each chunk, strictly in order, cut with partition.ChunkEnd:
//        track → partition → build tasks (reset flag per worker) → RunChunk
//        all exit 0 → save {next_start: chunk end} → progress + ETA
//        any failure → leave checkpoint at chunk start → Halted
//   4. After the last chunk: clear checkpoint → Completed
//
// Chunks are never retried here. Re-running the scheduler resumes from the
// last saved boundary, re-executing the interrupted chunk in full.
//
// Workers are joined without a timeout: a hung worker stalls the job. The
// context is only checked between chunks.
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/chunkrun/internal/checkpoint"
	"github.com/ChuLiYu/chunkrun/internal/chunkstate"
	"github.com/ChuLiYu/chunkrun/internal/journal"
	"github.com/ChuLiYu/chunkrun/internal/metrics"
	"github.com/ChuLiYu/chunkrun/internal/partition"
	"github.com/ChuLiYu/chunkrun/internal/resetpolicy"
	"github.com/ChuLiYu/chunkrun/internal/worker"
	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// State of one scheduler run.
type State string

const (
	StateIdle       State = "idle"
	StateScheduling State = "scheduling"
	StateHalted     State = "halted"
	StateCompleted  State = "completed"
)

// ErrAlreadyRun is returned when Run is called on a used scheduler.
var ErrAlreadyRun = errors.New("scheduler has already run")

// ChunkRunner runs every task of one chunk and returns one result per task,
// in task order, after all of them have terminated.
type ChunkRunner interface {
	RunChunk(tasks []types.WorkerTask) []worker.Result
}

// EventSink receives progress events. *journal.Journal implements it.
type EventSink interface {
	Append(event journal.Event) (journal.Event, error)
}

// Progress is published after every completed chunk.
type Progress struct {
	ChunkIndex int
	Range      types.WorkRange
	Completed  int    // chunks completed in this run
	Planned    uint64 // chunks planned for this run
	NextStart  uint64
	Duration   time.Duration // this chunk's wall time
	ETA        time.Duration // Duration × chunks remaining
	AvgETA     time.Duration // mean chunk time × chunks remaining
	Percent    float64       // share of the whole job range covered
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithJournal records progress events to sink.
func WithJournal(sink EventSink) Option {
	return func(s *Scheduler) { s.journal = sink }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithProgress registers a callback invoked after each completed chunk.
func WithProgress(fn func(Progress)) Option {
	return func(s *Scheduler) { s.onProgress = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler drives one job run.
type Scheduler struct {
	cfg    types.JobConfig
	logDir string
	store  checkpoint.Store
	runner ChunkRunner

	logger     *slog.Logger
	journal    EventSink
	metrics    *metrics.Collector
	onProgress func(Progress)
	now        func() time.Time

	tracker *chunkstate.Tracker
	runID   string

	mu    sync.Mutex
	state State
}

// New validates cfg and returns an idle scheduler. Worker logs are written
// under logDir.
func New(cfg types.JobConfig, store checkpoint.Store, runner ChunkRunner, logDir string, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || runner == nil {
		return nil, errors.New("scheduler needs a checkpoint store and a chunk runner")
	}

	s := &Scheduler{
		cfg:     cfg,
		logDir:  logDir,
		store:   store,
		runner:  runner,
		logger:  slog.Default(),
		now:     time.Now,
		tracker: chunkstate.NewTracker(),
		runID:   uuid.NewString(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current run state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunID identifies this scheduler invocation in logs, journal and checkpoint.
func (s *Scheduler) RunID() string {
	return s.runID
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes the job from its checkpoint to the end of the range.
//
// Returns a *ChunkFailure when a chunk fails, ctx.Err() when cancelled
// between chunks, or a storage error from the checkpoint store. The report
// is non-nil whenever planning succeeded.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return nil, ErrAlreadyRun
	}
	s.state = StateScheduling
	s.mu.Unlock()

	started := s.now()

	// 1. Resume position
	from, resumed, err := s.resumePosition(ctx)
	if err != nil {
		s.setState(StateHalted)
		return nil, err
	}

	// 2. Plan
	total := s.cfg.TotalRange
	firstIndex, err := partition.FirstChunkIndex(total.Start, from, s.cfg.ChunkSize)
	if err != nil {
		s.setState(StateHalted)
		return nil, err
	}
	planned := partition.ChunkCount(from, total.End, s.cfg.ChunkSize)

	coordinator := resetpolicy.NewCoordinator(!resumed, s.cfg.ResetOverride)
	report := &Report{
		RunID:         s.runID,
		Resumed:       resumed,
		ResetPolicy:   coordinator.Describe(),
		Total:         total,
		StartFrom:     from,
		NextStart:     from,
		ChunksPlanned: planned,
	}

	s.logger.Info("Job starting",
		"run_id", s.runID,
		"range", s.cfg.TotalRange.String(),
		"from", from,
		"chunks", planned,
		"chunk_size", s.cfg.ChunkSize,
		"workers_per_chunk", s.cfg.WorkersPerChunk,
		"threads_per_worker", s.cfg.ThreadsPerWorker,
		"reset_policy", coordinator.Describe())
	s.record(journal.Event{
		Type:    journal.EventJobStarted,
		Range:   types.WorkRange{Start: from, End: total.End},
		Resumed: resumed,
	})
	s.metrics.RecordRunStart(resumed, from, planned)

	// 3. Chunk loop
	for start, idx := from, firstIndex; start < total.End; idx++ {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("Job interrupted between chunks",
				"next_start", report.NextStart,
				"error", err)
			return s.finish(report, started, StateHalted), err
		}

		chunk := types.Chunk{
			Index: idx,
			Range: types.WorkRange{Start: start, End: partition.ChunkEnd(start, total.End, s.cfg.ChunkSize)},
			State: types.ChunkPending,
		}
		if err := s.tracker.Add(chunk); err != nil {
			return s.finish(report, started, StateHalted), err
		}
		remaining := partition.ChunkCount(chunk.Range.End, total.End, s.cfg.ChunkSize)

		next, err := s.runChunk(ctx, chunk, coordinator, remaining)
		if err != nil {
			var failure *ChunkFailure
			if errors.As(err, &failure) {
				report.Failure = failure
			}
			return s.finish(report, started, StateHalted), err
		}
		report.NextStart = next
		report.ChunksCompleted++
		start = next

		if s.onProgress != nil {
			s.onProgress(s.progress(chunk, report.ChunksCompleted, planned, remaining, next))
		}
	}

	// 4. Whole range done
	if err := s.store.Clear(context.WithoutCancel(ctx)); err != nil {
		return s.finish(report, started, StateHalted), fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	report.NextStart = total.End

	final := s.finish(report, started, StateCompleted)
	s.record(journal.Event{
		Type:       journal.EventJobCompleted,
		Range:      s.cfg.TotalRange,
		DurationMs: final.Duration.Milliseconds(),
	})
	s.logger.Info("Job completed",
		"run_id", s.runID,
		"chunks_run", final.ChunksCompleted,
		"duration", final.Duration)
	return final, nil
}

// resumePosition loads the checkpoint and decides where this run begins.
func (s *Scheduler) resumePosition(ctx context.Context) (uint64, bool, error) {
	cp, err := s.store.Load(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("failed to load checkpoint from %s: %w", s.store.Describe(), err)
	}
	if cp == nil {
		s.logger.Info("No checkpoint found, starting fresh run",
			"checkpoint", s.store.Describe())
		return s.cfg.TotalRange.Start, false, nil
	}

	if cp.JobHash != "" && cp.JobHash != checkpoint.JobHash(s.cfg) {
		s.logger.Warn("Checkpoint was written for a different range or chunk size",
			"checkpoint", s.store.Describe(),
			"next_start", cp.NextStart,
			"previous_run", cp.RunID)
	}

	from, _, err := ResumeFrom(s.cfg, cp)
	if err != nil {
		return 0, true, err
	}
	if cp.NextStart >= s.cfg.TotalRange.End {
		s.logger.Warn("Checkpoint is at or past the range end, nothing left to run",
			"next_start", cp.NextStart,
			"end", s.cfg.TotalRange.End)
	}

	s.logger.Info("Resuming from checkpoint",
		"checkpoint", s.store.Describe(),
		"next_start", from,
		"chunk_index", cp.ChunkIndex,
		"previous_run", cp.RunID,
		"saved_at", cp.UpdatedAt)
	return from, true, nil
}

// ResumeFrom returns the first slot a run of cfg schedules given the saved
// checkpoint, and whether that run counts as resumed. A nil checkpoint is a
// fresh run. Positions past the range end clamp to it; positions before the
// range start are a configuration error.
func ResumeFrom(cfg types.JobConfig, cp *types.Checkpoint) (uint64, bool, error) {
	if cp == nil {
		return cfg.TotalRange.Start, false, nil
	}
	if cp.NextStart < cfg.TotalRange.Start {
		return 0, true, types.NewConfigError("resume_position",
			fmt.Sprintf("checkpoint at %d lies before the range %s", cp.NextStart, cfg.TotalRange))
	}
	if cp.NextStart > cfg.TotalRange.End {
		return cfg.TotalRange.End, true, nil
	}
	return cp.NextStart, true, nil
}

// runChunk executes one chunk and returns the new checkpoint position.
func (s *Scheduler) runChunk(ctx context.Context, chunk types.Chunk, coord *resetpolicy.Coordinator, remaining uint64) (uint64, error) {
	parts, err := partition.Partition(chunk.Range, s.cfg.WorkersPerChunk)
	if err != nil {
		return chunk.Range.Start, err
	}

	tasks := make([]types.WorkerTask, 0, len(parts))
	for w, part := range parts {
		// More workers than slots: the tail sub-ranges are empty.
		if part.Len() == 0 {
			continue
		}
		tasks = append(tasks, types.WorkerTask{
			ChunkIndex:      chunk.Index,
			Index:           w,
			Range:           part,
			ThreadCount:     s.cfg.ThreadsPerWorker,
			StorageEndpoint: s.cfg.StorageEndpoint,
			ResetStorage:    coord.Next(),
			LogPath:         worker.LogPath(s.logDir, chunk.Index, w),
		})
	}

	start := s.now()
	if err := s.tracker.MarkRunning(chunk.Index, start); err != nil {
		return chunk.Range.Start, err
	}
	s.logger.Info("Chunk starting",
		"chunk", chunk.Index,
		"range", chunk.Range.String(),
		"workers", len(tasks))
	s.record(journal.Event{
		Type:       journal.EventChunkStarted,
		ChunkIndex: chunk.Index,
		Range:      chunk.Range,
	})
	s.metrics.RecordWorkersLaunched(len(tasks))

	results := s.runner.RunChunk(tasks)

	end := s.now()
	duration := end.Sub(start)

	if !worker.AllSucceeded(results) {
		failure := newChunkFailure(s.failChunk(chunk, end), worker.Failed(results))

		for _, r := range failure.Workers {
			s.logger.Error("Chunk worker failed",
				"chunk", chunk.Index,
				"worker", r.TaskIndex,
				"range", r.Range.String(),
				"exit_status", r.ExitStatus,
				"log", r.LogPath)
		}
		s.logger.Error("Chunk failed, job halted",
			"chunk", chunk.Index,
			"range", chunk.Range.String(),
			"failed_workers", len(failure.Workers),
			"checkpoint_next_start", chunk.Range.Start)

		s.record(journal.Event{
			Type:       journal.EventChunkFailed,
			ChunkIndex: chunk.Index,
			Range:      chunk.Range,
			DurationMs: duration.Milliseconds(),
			Failed:     failure.journalEntries(),
		})
		s.metrics.RecordChunkFailed(duration, len(failure.Workers))
		return chunk.Range.Start, failure
	}

	if err := s.tracker.MarkCompleted(chunk.Index, end); err != nil {
		return chunk.Range.Start, err
	}

	// The chunk's work is done; persist even if ctx was cancelled meanwhile.
	next := chunk.Range.End
	cp := types.Checkpoint{
		NextStart:  next,
		ChunkIndex: chunk.Index + 1,
		RunID:      s.runID,
		JobHash:    checkpoint.JobHash(s.cfg),
		UpdatedAt:  end.UTC(),
	}
	if err := s.store.Save(context.WithoutCancel(ctx), cp); err != nil {
		return chunk.Range.Start, fmt.Errorf("failed to save checkpoint after chunk %d: %w", chunk.Index, err)
	}

	eta := chunkstate.Project(duration, remaining)
	s.logger.Info("Chunk completed",
		"chunk", chunk.Index,
		"range", chunk.Range.String(),
		"duration", duration,
		"next_start", next,
		"remaining_chunks", remaining,
		"eta", eta)
	s.record(journal.Event{
		Type:       journal.EventChunkCompleted,
		ChunkIndex: chunk.Index,
		Range:      chunk.Range,
		DurationMs: duration.Milliseconds(),
		ETASeconds: int64(eta.Seconds()),
	})
	s.metrics.RecordChunkCompleted(duration, next, remaining, eta)
	return next, nil
}

// failChunk moves chunk to Failed and returns its final state. A tracker
// that refuses the transition is logged and the chunk is marked locally.
func (s *Scheduler) failChunk(chunk types.Chunk, at time.Time) types.Chunk {
	if err := s.tracker.MarkFailed(chunk.Index, at); err != nil {
		s.logger.Error("Failed to record chunk failure",
			"chunk", chunk.Index,
			"error", err)
	}
	if tracked, ok := s.tracker.Get(chunk.Index); ok && tracked.State == types.ChunkFailed {
		return tracked
	}
	chunk.State = types.ChunkFailed
	chunk.FinishedAt = at
	return chunk
}

func (s *Scheduler) progress(chunk types.Chunk, completed int, planned, remaining, next uint64) Progress {
	c, _ := s.tracker.Get(chunk.Index)

	var pct float64
	if total := s.cfg.TotalRange.Len(); total > 0 {
		pct = float64(next-s.cfg.TotalRange.Start) / float64(total) * 100
	}
	return Progress{
		ChunkIndex: chunk.Index,
		Range:      chunk.Range,
		Completed:  completed,
		Planned:    planned,
		NextStart:  next,
		Duration:   c.Duration,
		ETA:        chunkstate.Project(c.Duration, remaining),
		AvgETA:     s.tracker.EstimateFor(remaining),
		Percent:    pct,
	}
}

// record appends to the journal. The journal is informational, so write
// errors are logged and otherwise ignored.
func (s *Scheduler) record(ev journal.Event) {
	if s.journal == nil {
		return
	}
	ev.RunID = s.runID
	if _, err := s.journal.Append(ev); err != nil {
		s.logger.Warn("Failed to write progress journal", "event", ev.Type, "error", err)
	}
}

func (s *Scheduler) finish(r *Report, started time.Time, st State) *Report {
	s.setState(st)
	r.State = st
	r.Duration = s.now().Sub(started)
	r.Chunks = s.tracker.Chunks()
	return r
}
