package slotworker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	slots  map[uint64]bool
	resets int
	order  []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{slots: map[uint64]bool{}}
}

func (s *recordingSink) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.order = append(s.order, "reset")
	return nil
}

func (s *recordingSink) Record(_ context.Context, slot uint64, _ Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[slot] = true
	if len(s.order) == 0 || s.order[len(s.order)-1] != "record" {
		s.order = append(s.order, "record")
	}
	return nil
}

func (s *recordingSink) Close() error { return nil }

func TestFromEnv(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"SLOT_START":            "100",
		"SLOT_END":              "150",
		"THREADS":               "4",
		"CLICKHOUSE_URL":        "http://ch:8123",
		"CLEAR_DB_ON_START":     "true",
		"CHUNKRUN_CHUNK_INDEX":  "3",
		"CHUNKRUN_WORKER_INDEX": "1",
		EnvSlotDelay:            "5ms",
		EnvFailAtSlot:           "120",
		EnvExitCode:             "9",
	}))
	require.NoError(t, err)

	assert.Equal(t, types.WorkRange{Start: 100, End: 150}, cfg.Range)
	assert.Equal(t, 4, cfg.Threads)
	assert.Equal(t, "http://ch:8123", cfg.StorageURL)
	assert.True(t, cfg.ResetOnStart)
	assert.Equal(t, 3, cfg.ChunkIndex)
	assert.Equal(t, 1, cfg.WorkerIndex)
	assert.Equal(t, 5*time.Millisecond, cfg.SlotDelay)
	require.NotNil(t, cfg.FailAtSlot)
	assert.Equal(t, uint64(120), *cfg.FailAtSlot)
	assert.Equal(t, 9, cfg.ExitCode)
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{"SLOT_START": "0", "SLOT_END": "1"}))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Threads)
	assert.Equal(t, DefaultStorageURL, cfg.StorageURL)
	assert.False(t, cfg.ResetOnStart)
	assert.Equal(t, "log", cfg.Sink)
	assert.Nil(t, cfg.FailAtSlot)
}

func TestFromEnvRejectsBadInput(t *testing.T) {
	cases := map[string]map[string]string{
		"missing start":  {"SLOT_END": "10"},
		"inverted range": {"SLOT_START": "10", "SLOT_END": "10"},
		"zero threads":   {"SLOT_START": "0", "SLOT_END": "10", "THREADS": "0"},
		"bad delay":      {"SLOT_START": "0", "SLOT_END": "10", EnvSlotDelay: "soon"},
		"bad exit code":  {"SLOT_START": "0", "SLOT_END": "10", EnvExitCode: "0"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnv(envMap(env))
			assert.ErrorIs(t, err, types.ErrConfiguration)
		})
	}
}

func TestRunVisitsEverySlot(t *testing.T) {
	sink := newRecordingSink()
	cfg := Config{Range: types.WorkRange{Start: 10, End: 60}, Threads: 4, ResetOnStart: true}

	require.NoError(t, Run(context.Background(), cfg, sink, quietLogger()))
	assert.Len(t, sink.slots, 50)
	for slot := uint64(10); slot < 60; slot++ {
		assert.True(t, sink.slots[slot], "slot %d", slot)
	}
	assert.Equal(t, 1, sink.resets)
	assert.Equal(t, []string{"reset", "record"}, sink.order, "reset happens before any record")
}

func TestRunWithoutReset(t *testing.T) {
	sink := newRecordingSink()
	cfg := Config{Range: types.WorkRange{Start: 0, End: 5}, Threads: 1}

	require.NoError(t, Run(context.Background(), cfg, sink, quietLogger()))
	assert.Equal(t, 0, sink.resets)
}

func TestRunInjectedFailure(t *testing.T) {
	fail := uint64(7)
	cfg := Config{Range: types.WorkRange{Start: 0, End: 20}, Threads: 1, FailAtSlot: &fail}

	err := Run(context.Background(), cfg, newRecordingSink(), quietLogger())
	assert.ErrorIs(t, err, ErrInjectedFailure)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := Config{Range: types.WorkRange{Start: 0, End: 100}, Threads: 2, SlotDelay: time.Second}

	err := Run(ctx, cfg, newRecordingSink(), quietLogger())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestOpenSink(t *testing.T) {
	sink, err := OpenSink(context.Background(), Config{Sink: "log"}, quietLogger())
	require.NoError(t, err)
	ls, ok := sink.(*LogSink)
	require.True(t, ok)
	require.NoError(t, ls.Record(context.Background(), 1, Config{}))
	assert.Equal(t, uint64(1), ls.Records())

	_, err = OpenSink(context.Background(), Config{Sink: "kafka"}, quietLogger())
	assert.Error(t, err)
}
