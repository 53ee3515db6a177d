package main

// ============================================================================
// demoworker - reference worker for chunkrun
//
// Reads SLOT_START, SLOT_END, THREADS, CLICKHOUSE_URL and CLEAR_DB_ON_START
// from the environment, like the production collector does. Logs go to
// stdout, which the scheduler captures into the per-worker log file.
//
// Test knobs: DEMO_SLOT_DELAY, DEMO_FAIL_AT_SLOT, DEMO_EXIT_CODE, DEMO_SINK.
//
//   SLOT_START=0 SLOT_END=100 THREADS=4 DEMO_SLOT_DELAY=10ms ./bin/demoworker
// ============================================================================

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/chunkrun/internal/slotworker"
	"github.com/ChuLiYu/chunkrun/pkg/types"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	os.Exit(run(logger))
}

func run(logger *slog.Logger) int {
	cfg, err := slotworker.FromEnv(os.Getenv)
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := slotworker.OpenSink(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open sink", "error", err)
		return 1
	}
	defer sink.Close()

	if err := slotworker.Run(ctx, cfg, sink, logger); err != nil {
		logger.Error("Worker failed", "error", err)
		switch {
		case errors.Is(err, slotworker.ErrInjectedFailure):
			return cfg.ExitCode
		case errors.Is(err, types.ErrConfiguration):
			return 2
		}
		return 1
	}
	return 0
}
