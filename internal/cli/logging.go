package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

// newLogger builds the process logger: human-readable text on stderr, plus
// JSON lines in logFile when one is set. The returned closer flushes and
// closes the file.
func newLogger(stderr io.Writer, debug bool, logFile string) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}

	text := slog.NewTextHandler(stderr, opts)
	if logFile == "" {
		return slog.New(text), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// The file always gets debug records.
	jsonHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(slogmulti.Fanout(text, jsonHandler)), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
