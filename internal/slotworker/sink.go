package slotworker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Sink receives processed slots.
type Sink interface {
	// Reset drops everything previously written. Called at most once per
	// worker, before any Record, when the scheduler asked for it.
	Reset(ctx context.Context) error
	Record(ctx context.Context, slot uint64, cfg Config) error
	Close() error
}

// OpenSink returns the sink named by cfg.Sink.
func OpenSink(ctx context.Context, cfg Config, logger *slog.Logger) (Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return &LogSink{logger: logger}, nil
	case "clickhouse":
		return openClickHouseSink(ctx, cfg.StorageURL)
	}
	return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
}

// ============================================================================
// LogSink
// ============================================================================

// LogSink only counts slots and logs at debug level.
type LogSink struct {
	logger  *slog.Logger
	records atomic.Uint64
	resets  atomic.Uint64
}

func (s *LogSink) Reset(context.Context) error {
	s.resets.Add(1)
	s.logger.Info("Storage reset requested")
	return nil
}

func (s *LogSink) Record(_ context.Context, slot uint64, _ Config) error {
	s.records.Add(1)
	s.logger.Debug("Slot processed", "slot", slot)
	return nil
}

func (s *LogSink) Close() error { return nil }

// Records returns how many slots were recorded.
func (s *LogSink) Records() uint64 { return s.records.Load() }

// ============================================================================
// ClickHouseSink
// ============================================================================

const slotsTable = "chunkrun_slots"

var slotsSchema = `CREATE TABLE IF NOT EXISTS ` + slotsTable + ` (
    slot UInt64,
    chunk_index UInt32,
    worker_index UInt32,
    processed_at DateTime DEFAULT now()
) ENGINE = MergeTree()
ORDER BY slot`

// ClickHouseSink writes one row per slot.
type ClickHouseSink struct {
	conn driver.Conn
}

func openClickHouseSink(ctx context.Context, url string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(url)
	if err != nil {
		return nil, fmt.Errorf("invalid clickhouse url: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error connecting to ClickHouse: %w", err)
	}
	s := &ClickHouseSink{conn: conn}
	if err := conn.Exec(ctx, slotsSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error creating %s: %w", slotsTable, err)
	}
	return s, nil
}

func (s *ClickHouseSink) Reset(ctx context.Context) error {
	if err := s.conn.Exec(ctx, "DROP TABLE IF EXISTS "+slotsTable); err != nil {
		return fmt.Errorf("error dropping %s: %w", slotsTable, err)
	}
	if err := s.conn.Exec(ctx, slotsSchema); err != nil {
		return fmt.Errorf("error creating %s: %w", slotsTable, err)
	}
	return nil
}

func (s *ClickHouseSink) Record(ctx context.Context, slot uint64, cfg Config) error {
	err := s.conn.Exec(ctx,
		"INSERT INTO "+slotsTable+" (slot, chunk_index, worker_index) VALUES (?, ?, ?)",
		slot, uint32(cfg.ChunkIndex), uint32(cfg.WorkerIndex))
	if err != nil {
		return fmt.Errorf("error inserting slot %d: %w", slot, err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error { return s.conn.Close() }
