package slotworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrInjectedFailure is returned when FailAtSlot is reached.
var ErrInjectedFailure = errors.New("injected failure")

// Run resets the sink when asked to, then visits every slot of cfg.Range
// with at most cfg.Threads slots in flight. The first error stops the run.
func Run(ctx context.Context, cfg Config, sink Sink, logger *slog.Logger) error {
	logger.Info("Configuration loaded",
		"slot_start", cfg.Range.Start,
		"slot_end", cfg.Range.End,
		"slot_range", cfg.Range.Len(),
		"threads", cfg.Threads,
		"chunk", cfg.ChunkIndex,
		"worker", cfg.WorkerIndex,
		"reset_on_start", cfg.ResetOnStart)

	if cfg.ResetOnStart {
		if err := sink.Reset(ctx); err != nil {
			return fmt.Errorf("storage initialization failed: %w", err)
		}
	}

	started := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Threads)

	for slot := cfg.Range.Start; slot < cfg.Range.End; slot++ {
		if gctx.Err() != nil {
			break
		}
		slot := slot
		g.Go(func() error {
			return processSlot(gctx, cfg, sink, slot)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	logger.Info("Range processed",
		"slots", cfg.Range.Len(),
		"duration", time.Since(started))
	return nil
}

func processSlot(ctx context.Context, cfg Config, sink Sink, slot uint64) error {
	if cfg.SlotDelay > 0 {
		t := time.NewTimer(cfg.SlotDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if cfg.FailAtSlot != nil && *cfg.FailAtSlot == slot {
		return fmt.Errorf("%w at slot %d", ErrInjectedFailure, slot)
	}
	return sink.Record(ctx, slot, cfg)
}
