package checkpoint

// ============================================================================
// File backend
// Responsibilities:
// 1. Serialise the checkpoint as a small JSON file
// 2. Replace it atomically (temp file + fsync + rename + dir fsync)
// 3. Treat a missing file as "fresh run"
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// FileStore keeps the checkpoint in a local JSON file.
type FileStore struct {
	path string     // checkpoint file path
	mu   sync.Mutex // serialises file operations within one process
}

// NewFileStore creates a file-backed store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save atomically replaces the checkpoint file.
//
// Flow:
//  1. write <path>.tmp and fsync it
//  2. os.Rename over the real file (atomic on POSIX)
//  3. fsync the directory so the rename itself survives a crash
func (s *FileStore) Save(_ context.Context, cp types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := Encode(cp)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	return syncDir(dir)
}

// Load reads the checkpoint; a missing file means a fresh run.
func (s *FileStore) Load(_ context.Context) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return Decode(data)
}

// Clear removes the checkpoint file and any stale temp file.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.path, s.path + ".tmp"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove checkpoint: %w", err)
		}
	}
	return syncDir(filepath.Dir(s.path))
}

// Describe implements Store.
func (s *FileStore) Describe() string {
	return "file://" + s.path
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string {
	return s.path
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open checkpoint directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint directory: %w", err)
	}
	return nil
}
