// Package types defines the core domain model shared by every chunkrun component.
package types

import (
	"fmt"
	"time"
)

// MaxWorkersPerChunk bounds fan-out within a single chunk.
const MaxWorkersPerChunk = 100

// WorkRange is a half-open slot interval [Start, End).
type WorkRange struct {
	Start uint64 `json:"start" yaml:"start"`
	End   uint64 `json:"end" yaml:"end"`
}

// NewWorkRange returns a validated range.
func NewWorkRange(start, end uint64) (WorkRange, error) {
	r := WorkRange{Start: start, End: end}
	if err := r.Validate(); err != nil {
		return WorkRange{}, err
	}
	return r, nil
}

// Validate reports a ConfigError for empty or inverted ranges.
func (r WorkRange) Validate() error {
	if r.End <= r.Start {
		return NewConfigError("range", fmt.Sprintf("end %d must be greater than start %d", r.End, r.Start))
	}
	return nil
}

// Len returns the number of slots in the range.
func (r WorkRange) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether slot lies inside the range.
func (r WorkRange) Contains(slot uint64) bool {
	return slot >= r.Start && slot < r.End
}

func (r WorkRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// ChunkState is the lifecycle state of a chunk.
type ChunkState string

const (
	ChunkPending   ChunkState = "pending"   // created, not yet launched
	ChunkRunning   ChunkState = "running"   // workers launched
	ChunkCompleted ChunkState = "completed" // every worker exited 0
	ChunkFailed    ChunkState = "failed"    // at least one worker failed
)

// Chunk is one bounded slice of the job processed by a single worker fan-out.
type Chunk struct {
	Index int        `json:"index"` // position within the whole job, 0-based
	Range WorkRange  `json:"range"`
	State ChunkState `json:"state"`

	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
}

// WorkerTask is everything a single worker process needs to run.
type WorkerTask struct {
	ChunkIndex      int       `json:"chunk_index"`
	Index           int       `json:"index"` // position within the chunk
	Range           WorkRange `json:"range"`
	ThreadCount     int       `json:"thread_count"`
	StorageEndpoint string    `json:"-"` // may embed credentials
	ResetStorage    bool      `json:"reset_storage"`
	LogPath         string    `json:"log_path"`
}

// Checkpoint is the durable resume position of a job.
// It is the only state that survives scheduler restarts.
type Checkpoint struct {
	SchemaVer  int       `json:"schema_ver"`
	NextStart  uint64    `json:"next_start"`  // first unprocessed slot
	ChunkIndex int       `json:"chunk_index"` // index of the next chunk, diagnostics only
	RunID      string    `json:"run_id,omitempty"`
	JobHash    string    `json:"job_hash,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobConfig is the validated, read-only description of a job.
type JobConfig struct {
	TotalRange       WorkRange
	ChunkSize        uint64
	WorkersPerChunk  int
	ThreadsPerWorker int
	StorageEndpoint  string
	ResetOverride    *bool // nil keeps the default one-reset-per-job policy
}

// Validate checks every numeric bound before any chunk starts.
func (c JobConfig) Validate() error {
	if err := c.TotalRange.Validate(); err != nil {
		return err
	}
	if c.ChunkSize == 0 {
		return NewConfigError("chunk_size", "must be greater than 0")
	}
	if c.WorkersPerChunk < 1 || c.WorkersPerChunk > MaxWorkersPerChunk {
		return NewConfigError("workers", fmt.Sprintf("must be within [1, %d], got %d", MaxWorkersPerChunk, c.WorkersPerChunk))
	}
	if c.ThreadsPerWorker < 1 {
		return NewConfigError("threads", fmt.Sprintf("must be at least 1, got %d", c.ThreadsPerWorker))
	}
	if c.StorageEndpoint == "" {
		return NewConfigError("storage_endpoint", "must not be empty")
	}
	return nil
}

// BoolPtr is a small helper for ResetOverride literals.
func BoolPtr(v bool) *bool {
	return &v
}
