package journal

// ============================================================================
// Journal Error Definitions
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal indicates a line that is not a valid event
	ErrCorruptedJournal = errors.New("journal: file is corrupted")

	// ErrChecksumMismatch indicates an event whose content changed after write
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrJournalClosed indicates use after Close
	ErrJournalClosed = errors.New("journal: already closed")
)

// ChecksumError carries the location of a bad event.
type ChecksumError struct {
	Seq      uint64 // Sequence number of the failed event
	Expected uint32 // Checksum recomputed from the content
	Actual   uint32 // Checksum stored in the file
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)",
		e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError reports an unparseable line.
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // Underlying decode error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted event at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruptedJournal
}
