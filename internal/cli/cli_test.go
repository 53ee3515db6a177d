package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/chunkrun/internal/checkpoint"
	"github.com/ChuLiYu/chunkrun/internal/worker"
	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// TestCLIWorkerHelper is not a real test. It stands in for the worker
// executable and exits 7 when its range starts at HELPER_FAIL_START.
func TestCLIWorkerHelper(t *testing.T) {
	if os.Getenv("CHUNKRUN_CLI_HELPER") != "1" {
		return
	}
	start := os.Getenv(worker.EnvSlotStart)
	fmt.Printf("processing %s-%s\n", start, os.Getenv(worker.EnvSlotEnd))
	if start == os.Getenv("HELPER_FAIL_START") {
		os.Exit(7)
	}
	os.Exit(0)
}

type cliEnv struct {
	dir        string
	configPath string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	return &cliEnv{dir: dir, configPath: filepath.Join(dir, "chunkrun.yaml")}
}

// writeConfig points the worker at this test binary. failStart of "" lets
// every worker succeed.
func (e *cliEnv) writeConfig(t *testing.T, failStart string) {
	t.Helper()
	body := fmt.Sprintf(`job:
  start: 0
  end: 90
  chunk_size: 30
  workers: 3
worker:
  command: %q
  args: ["-test.run=^TestCLIWorkerHelper$", "--"]
  env:
    chunkrun_cli_helper: "1"
    helper_fail_start: %q
  log_dir: %q
checkpoint:
  backend: file
  path: %q
journal:
  enabled: true
  path: %q
`, os.Args[0], failStart,
		filepath.Join(e.dir, "logs"),
		filepath.Join(e.dir, "state", "checkpoint.json"),
		filepath.Join(e.dir, "logs", "progress.jsonl"))
	require.NoError(t, os.WriteFile(e.configPath, []byte(body), 0o644))
}

func (e *cliEnv) execute(args ...string) (string, error) {
	root := BuildCLI()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "-c", e.configPath))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "chunkrun", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	commandNames := make(map[string]bool)
	for _, c := range cmd.Commands() {
		commandNames[c.Name()] = true
	}
	for _, name := range []string{"run", "plan", "status", "reset", "version"} {
		assert.True(t, commandNames[name], "missing %q command", name)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestRunCommandFlags(t *testing.T) {
	cmd := BuildCLI()
	run, _, err := cmd.Find([]string{"run"})
	require.NoError(t, err)

	for _, name := range []string{"chunk-size", "workers", "threads", "endpoint", "reset-storage", "worker-cmd", "checkpoint-backend", "metrics"} {
		assert.NotNil(t, run.Flags().Lookup(name), "run should have --%s", name)
	}
	assert.NotNil(t, run.RunE)
}

func TestPlanCommand(t *testing.T) {
	e := newCLIEnv(t)
	e.writeConfig(t, "")

	out, err := e.execute("plan", "0", "100", "40", "3")
	require.NoError(t, err)

	assert.Contains(t, out, "3 chunk(s)")
	assert.Contains(t, out, "chunk     0 [0, 40)")
	assert.Contains(t, out, "chunk     2 [80, 100)")
	assert.Contains(t, out, "worker  0 [0, 14)  reset storage")
	assert.Contains(t, out, "worker  1 [14, 27)\n")
	assert.Equal(t, 1, strings.Count(out, "reset storage"), "only the first worker of a fresh run resets")
}

func TestPlanShowConfigRedacts(t *testing.T) {
	e := newCLIEnv(t)
	e.writeConfig(t, "")

	out, err := e.execute("plan", "--show-config", "--endpoint", "http://default:hunter2@db:8123")
	require.NoError(t, err)
	assert.Contains(t, out, "storage_endpoint: http://default:xxxxx@db:8123")
	assert.NotContains(t, out, "hunter2")
}

func TestRunConfigErrorExitCode(t *testing.T) {
	e := newCLIEnv(t)
	e.writeConfig(t, "")

	_, err := e.execute("run", "50", "50")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrConfiguration)
	assert.Equal(t, 2, ExitCode(err))

	_, err = e.execute("run", "--reset-storage", "sometimes")
	assert.Equal(t, 2, ExitCode(err))
}

func TestRunExplicitConfigMissing(t *testing.T) {
	root := BuildCLI()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"run", "-c", filepath.Join(t.TempDir(), "nope.yaml")})
	err := root.Execute()
	assert.Equal(t, 2, ExitCode(err))
}

func TestRunFailStatusResumeReset(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	e := newCLIEnv(t)

	// Worker for [40, 50) fails in chunk 1.
	e.writeConfig(t, "40")
	out, err := e.execute("run")
	require.Error(t, err)
	assert.Equal(t, 7, ExitCode(err))
	assert.Contains(t, out, "chunk 0 [0, 30) done")
	assert.Contains(t, out, "exit status 7")
	assert.Contains(t, out, "checkpoint left at 30")

	status, err := e.execute("status")
	require.NoError(t, err)
	assert.Contains(t, status, "Next Start:  30")
	assert.Contains(t, status, "CHUNK_FAILED")

	// Rerun resumes at 30 and completes.
	e.writeConfig(t, "")
	out, err = e.execute("run")
	require.NoError(t, err)
	assert.Contains(t, out, "resumed")
	assert.Contains(t, out, "Job completed")
	assert.NotContains(t, out, "chunk 0 [0, 30) done")

	status, err = e.execute("status")
	require.NoError(t, err)
	assert.Contains(t, status, "none (next run starts fresh)")
	assert.Contains(t, status, "JOB_COMPLETED")

	_, err = e.execute("reset")
	assert.ErrorIs(t, err, types.ErrConfiguration, "reset needs --yes")

	out, err = e.execute("reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "checkpoint cleared")
	assert.Contains(t, out, "journal archived to")

	status, err = e.execute("status")
	require.NoError(t, err)
	assert.Contains(t, status, "(none)")
}

func TestResetClearsCheckpoint(t *testing.T) {
	e := newCLIEnv(t)
	e.writeConfig(t, "")

	store := checkpoint.NewFileStore(filepath.Join(e.dir, "state", "checkpoint.json"))
	require.NoError(t, store.Save(context.Background(), types.Checkpoint{NextStart: 60, ChunkIndex: 2}))

	out, err := e.execute("plan")
	require.NoError(t, err)
	assert.Contains(t, out, "resuming from checkpoint at 60")
	assert.Contains(t, out, "1 chunk(s)")
	assert.NotContains(t, out, "reset storage", "resumed runs never reset")

	_, err = e.execute("reset", "-y")
	require.NoError(t, err)

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestPlanReportsUnreadableCheckpoint(t *testing.T) {
	e := newCLIEnv(t)
	e.writeConfig(t, "")

	path := filepath.Join(e.dir, "state", "checkpoint.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	out, err := e.execute("plan")
	require.Error(t, err)
	assert.ErrorIs(t, err, checkpoint.ErrCorruptedCheckpoint)
	assert.NotContains(t, out, "reset storage", "no fresh-run preview over an unreadable checkpoint")

	_, runErr := e.execute("run")
	assert.ErrorIs(t, runErr, checkpoint.ErrCorruptedCheckpoint, "run stops on the same checkpoint")
}

func TestPlanCheckpointBeforeRangeStart(t *testing.T) {
	e := newCLIEnv(t)
	e.writeConfig(t, "")

	store := checkpoint.NewFileStore(filepath.Join(e.dir, "state", "checkpoint.json"))
	require.NoError(t, store.Save(context.Background(), types.Checkpoint{NextStart: 30, ChunkIndex: 1}))

	out, err := e.execute("plan", "50", "90")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
	assert.NotContains(t, out, "reset storage")

	_, err = e.execute("run", "50", "90")
	assert.Equal(t, 2, ExitCode(err))
}

func TestPlanRefusesHugeListing(t *testing.T) {
	e := newCLIEnv(t)
	e.writeConfig(t, "")

	_, err := e.execute("plan", "0", "18446744073709551615", "1", "1")
	require.Error(t, err)
	assert.Equal(t, 2, ExitCode(err))
}

func TestUsageErrorsExitCode(t *testing.T) {
	e := newCLIEnv(t)
	e.writeConfig(t, "")

	cases := map[string][]string{
		"too many positionals": {"run", "0", "90", "30", "3", "1", "http://db:8123", "extra"},
		"unknown run flag":     {"run", "--no-such-flag"},
		"malformed plan flag":  {"plan", "--workers", "many"},
		"status positionals":   {"status", "now"},
		"reset positionals":    {"reset", "--yes", "everything"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.execute(args...)
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrConfiguration)
			assert.Equal(t, 2, ExitCode(err))
		})
	}
}

func TestVersionCommand(t *testing.T) {
	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "chunkrun "+Version, strings.TrimSpace(out.String()))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(types.NewConfigError("workers", "bad")))
	assert.Equal(t, ExitInterrupted, ExitCode(fmt.Errorf("stopped: %w", context.Canceled)))
	assert.Equal(t, 1, ExitCode(fmt.Errorf("disk full")))
}
