// ============================================================================
// chunkrun Checkpoint Store
// ============================================================================
//
// Package: internal/checkpoint
// File: store.go
// Purpose: Durable "next unprocessed slot" record that makes a job resumable
//
// Lifecycle of the record:
//   absent   → before the first run (fresh start)
//   present  → after every fully successful chunk, next_start = chunk end
//   absent   → after the whole job completes (Clear)
//
// Backends: file (default), sqlite, redis, s3. Every backend replaces the
// record atomically; none of them protects against two schedulers sharing
// one location. That setup is unsupported.
//
// ============================================================================

package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// SchemaVersion of the persisted record.
const SchemaVersion = 1

var (
	ErrCorruptedCheckpoint = errors.New("checkpoint record is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
	ErrUnknownBackend      = errors.New("unknown checkpoint backend")
)

// Store persists the resume position of a job.
type Store interface {
	// Load returns nil, nil when no checkpoint exists (fresh run).
	Load(ctx context.Context) (*types.Checkpoint, error)
	// Save atomically replaces the persisted record.
	Save(ctx context.Context, cp types.Checkpoint) error
	// Clear removes the record; clearing an absent record is not an error.
	Clear(ctx context.Context) error
	// Describe names the location for logs and the status command.
	Describe() string
}

// Encode serialises cp with the current schema version.
func Encode(cp types.Checkpoint) ([]byte, error) {
	cp.SchemaVer = SchemaVersion
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses and version-checks a persisted record.
func Decode(data []byte) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedCheckpoint, err)
	}
	if cp.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, cp.SchemaVer, SchemaVersion)
	}
	return &cp, nil
}

// JobHash fingerprints the parts of a job that determine chunk layout, so a
// resume with a different range or chunk size can be flagged.
func JobHash(cfg types.JobConfig) string {
	key := fmt.Sprintf("%d:%d:%d", cfg.TotalRange.Start, cfg.TotalRange.End, cfg.ChunkSize)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
