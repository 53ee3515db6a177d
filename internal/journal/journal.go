package journal

// ============================================================================
// Progress journal
// Responsibilities:
// 1. Append scheduler events to a JSON-lines file (append-only)
// 2. Replay events for the status command
// 3. Rotate the file when an operator resets the job
//
// The journal is informational. The checkpoint alone decides where a run
// resumes, so a lost or damaged journal never changes scheduling.
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInterface is the subset of *os.File the journal writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal is an append-only event log.
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool
}

// Open creates or reopens the journal at path and continues its sequence.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	// A damaged tail only costs continuity of numbering.
	var seq uint64
	if last, _ := LastEvent(path); last != nil {
		seq = last.Seq
	}

	return &Journal{
		file:    file,
		encoder: json.NewEncoder(file),
		path:    path,
		seq:     seq,
	}, nil
}

// Append stamps the event with seq, timestamp and checksum, writes it and
// syncs. Events are rare (a few per chunk) so every append is durable.
func (j *Journal) Append(event Event) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Event{}, ErrJournalClosed
	}

	j.seq++
	event.Seq = j.seq
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.Checksum = CalculateChecksum(event)

	if err := j.encoder.Encode(event); err != nil {
		return Event{}, fmt.Errorf("failed to append journal event: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return Event{}, fmt.Errorf("failed to sync journal: %w", err)
	}
	return event, nil
}

// Replay reads every event of this journal in order.
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Replay(j.path, handler)
}

// Rotate moves the current file aside with a timestamp suffix and starts a
// fresh one with seq reset. Returns the backup path. Earlier archives are
// never replaced.
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return "", ErrJournalClosed
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	backupPath := archivePath(j.path, time.Now())
	if err := os.Rename(j.path, backupPath); err != nil {
		if file, reopenErr := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644); reopenErr == nil {
			j.file = file
			j.encoder = json.NewEncoder(file)
		} else {
			j.closed = true
		}
		return "", err
	}

	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		j.closed = true
		return "", err
	}

	j.file = file
	j.encoder = json.NewEncoder(file)
	j.seq = 0
	return backupPath, nil
}

// archivePath names the rotated copy of path. Names carry nanoseconds and
// take a numeric suffix when one is already taken, so no archive is
// overwritten.
func archivePath(path string, at time.Time) string {
	base := path + "." + at.Format("20060102_150405.000000000")
	candidate := base
	for n := 1; ; n++ {
		if _, err := os.Lstat(candidate); err != nil {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
}

// LastSeq returns the sequence number of the last appended event.
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close flushes and closes the file. A closed journal must not be reused.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// ============================================================================
// File-level helpers (no open Journal required)
// ============================================================================

// Replay reads the journal at path line by line, verifying each checksum.
// A missing file replays nothing.
func Replay(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer file.Close()
	return replayReader(file, handler)
}

func replayReader(r io.Reader, handler EventHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if expected := CalculateChecksum(event); expected != event.Checksum {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return &CorruptionError{Line: line + 1, Cause: err}
	}
	return nil
}

// LastEvent returns the final valid event, or nil for an empty journal.
func LastEvent(path string) (*Event, error) {
	var last *Event
	err := Replay(path, func(e Event) error {
		ev := e
		last = &ev
		return nil
	})
	if err != nil {
		return last, err
	}
	return last, nil
}

// Tail returns up to n of the most recent events. Events read before a
// damaged line are returned together with the error.
func Tail(path string, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]Event, 0, n)
	err := Replay(path, func(e Event) error {
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, e)
		return nil
	})
	return ring, err
}
