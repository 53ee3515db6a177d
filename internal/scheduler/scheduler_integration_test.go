package scheduler

// ============================================================================
// End-to-end runs with real worker processes, a file checkpoint and the
// progress journal. The worker is this test binary re-executed in helper
// mode, speaking the same environment contract as the production worker.
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/chunkrun/internal/checkpoint"
	"github.com/ChuLiYu/chunkrun/internal/journal"
	"github.com/ChuLiYu/chunkrun/internal/worker"
	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// TestWorkerHelperProcess is not a real test. It records the assigned range
// to HELPER_RECORD_DIR and exits with HELPER_EXIT_CODE when its range starts
// at HELPER_FAIL_START.
func TestWorkerHelperProcess(t *testing.T) {
	if os.Getenv("CHUNKRUN_SCHED_HELPER") != "1" {
		return
	}
	start := os.Getenv(worker.EnvSlotStart)
	end := os.Getenv(worker.EnvSlotEnd)
	reset := os.Getenv(worker.EnvResetOnStart)
	fmt.Printf("worker %s-%s reset=%s endpoint=%s\n", start, end, reset, os.Getenv(worker.EnvStorageURL))

	if failAt := os.Getenv("HELPER_FAIL_START"); failAt != "" && failAt == start {
		code, _ := strconv.Atoi(os.Getenv("HELPER_EXIT_CODE"))
		fmt.Fprintln(os.Stderr, "simulated failure")
		os.Exit(code)
	}

	dir := os.Getenv("HELPER_RECORD_DIR")
	name := filepath.Join(dir, fmt.Sprintf("%s-%s", start, end))
	if err := os.WriteFile(name, []byte(reset), 0o644); err != nil {
		os.Exit(90)
	}
	os.Exit(0)
}

type processedRange struct {
	Range types.WorkRange
	Reset bool
}

func readProcessed(t *testing.T, dir string) []processedRange {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	var out []processedRange
	for _, e := range entries {
		parts := strings.SplitN(e.Name(), "-", 2)
		require.Len(t, parts, 2)
		start, err := strconv.ParseUint(parts[0], 10, 64)
		require.NoError(t, err)
		end, err := strconv.ParseUint(parts[1], 10, 64)
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out = append(out, processedRange{
			Range: types.WorkRange{Start: start, End: end},
			Reset: string(data) == "true",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Start < out[j].Range.Start })
	return out
}

func helperSupervisor(recordDir string, extra map[string]string) *worker.Supervisor {
	env := map[string]string{
		"CHUNKRUN_SCHED_HELPER": "1",
		"HELPER_RECORD_DIR":     recordDir,
	}
	for k, v := range extra {
		env[k] = v
	}
	runner := worker.NewProcessRunner(os.Args[0], []string{"-test.run=^TestWorkerHelperProcess$", "--"}, env)
	return worker.NewSupervisor(runner, quietLogger())
}

func TestIntegrationFailThenResume(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	tmp := t.TempDir()
	recordDir := filepath.Join(tmp, "processed")
	require.NoError(t, os.MkdirAll(recordDir, 0o755))
	logDir := filepath.Join(tmp, "logs")
	store := checkpoint.NewFileStore(filepath.Join(tmp, "state", "checkpoint.json"))
	cfg := jobConfig(0, 90, 30, 3)

	j, err := journal.Open(filepath.Join(logDir, "progress.jsonl"))
	require.NoError(t, err)
	defer j.Close()

	// First run: worker 1 of chunk 1 ([40, 50)) exits 5.
	first, err := New(cfg, store, helperSupervisor(recordDir, map[string]string{
		"HELPER_FAIL_START": "40",
		"HELPER_EXIT_CODE":  "5",
	}), logDir, WithLogger(quietLogger()), WithJournal(j))
	require.NoError(t, err)

	report, err := first.Run(context.Background())
	var failure *ChunkFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, 5, failure.ExitCode())
	assert.Equal(t, StateHalted, report.State)

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(30), cp.NextStart)

	failedLog, err := os.ReadFile(failure.Workers[0].LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(failedLog), "simulated failure")

	// Second run: nothing fails, resumes at 30 and never resets.
	second, err := New(cfg, store, helperSupervisor(recordDir, nil), logDir,
		WithLogger(quietLogger()), WithJournal(j))
	require.NoError(t, err)

	report, err = second.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Resumed)
	assert.Equal(t, StateCompleted, report.State)

	cp, err = store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cp, "checkpoint cleared after the job completes")

	// Chunk 0 ran once; chunk 1 re-ran in full on resume.
	processed := readProcessed(t, recordDir)
	var covered uint64
	resets := 0
	for i, p := range processed {
		if i > 0 {
			assert.Equal(t, processed[i-1].Range.End, p.Range.Start, "ranges are contiguous")
		}
		covered += p.Range.Len()
		if p.Reset {
			resets++
		}
	}
	assert.Equal(t, uint64(90), covered)
	assert.Equal(t, 1, resets)
	assert.True(t, processed[0].Reset, "first worker of the fresh run reset storage")

	// Log for chunk 1 worker 1 holds both attempts.
	retried, err := os.ReadFile(worker.LogPath(logDir, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(retried), "# chunkrun "))

	events, err := journal.Tail(j.Path(), 100)
	require.NoError(t, err)
	var kinds []journal.EventType
	for _, e := range events {
		kinds = append(kinds, e.Type)
	}
	assert.Equal(t, []journal.EventType{
		journal.EventJobStarted,
		journal.EventChunkStarted, journal.EventChunkCompleted,
		journal.EventChunkStarted, journal.EventChunkFailed,
		journal.EventJobStarted,
		journal.EventChunkStarted, journal.EventChunkCompleted,
		journal.EventChunkStarted, journal.EventChunkCompleted,
		journal.EventJobCompleted,
	}, kinds)
}
