package journal

import "github.com/ChuLiYu/chunkrun/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the progress events written by the scheduler
// ============================================================================

// EventType names a progress event.
type EventType string

const (
	EventJobStarted     EventType = "JOB_STARTED"     // Scheduler began (fresh or resumed)
	EventChunkStarted   EventType = "CHUNK_STARTED"   // Workers for a chunk were launched
	EventChunkCompleted EventType = "CHUNK_COMPLETED" // Every worker exited 0, checkpoint advanced
	EventChunkFailed    EventType = "CHUNK_FAILED"    // At least one worker failed, job halted
	EventJobCompleted   EventType = "JOB_COMPLETED"   // Last chunk done, checkpoint cleared
)

// Event is one line of the journal.
type Event struct {
	Seq       uint64    `json:"seq"`       // Monotonic within one journal file
	Type      EventType `json:"type"`      // Event type
	RunID     string    `json:"run_id"`    // Identifies one scheduler invocation
	Timestamp int64     `json:"timestamp"` // Unix milliseconds

	ChunkIndex int             `json:"chunk_index,omitempty"`
	Range      types.WorkRange `json:"range"`
	Resumed    bool            `json:"resumed,omitempty"`     // JOB_STARTED only
	DurationMs int64           `json:"duration_ms,omitempty"` // chunk or job wall time
	ETASeconds int64           `json:"eta_seconds,omitempty"`
	Failed     []WorkerFailure `json:"failed,omitempty"` // CHUNK_FAILED only

	Checksum uint32 `json:"checksum"` // CRC32 over every other field
}

// WorkerFailure records one non-zero worker exit.
type WorkerFailure struct {
	Worker     int             `json:"worker"`
	Range      types.WorkRange `json:"range"`
	ExitStatus int             `json:"exit_status"`
	LogPath    string          `json:"log_path,omitempty"`
}

// EventHandler processes events during Replay. Returning an error stops the
// replay and surfaces that error.
type EventHandler func(event Event) error
