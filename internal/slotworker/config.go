// Package slotworker is a reference worker for chunkrun. It reads its
// assignment from the environment, optionally resets its storage, and then
// visits every slot of the range with a bounded number of goroutines.
//
// cmd/demoworker wraps it so the scheduler can be exercised end to end
// without the real data collector.
package slotworker

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ChuLiYu/chunkrun/internal/worker"
	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// Variables read only by the demo worker.
const (
	EnvSlotDelay  = "DEMO_SLOT_DELAY"   // time.Duration per slot, default 0
	EnvFailAtSlot = "DEMO_FAIL_AT_SLOT" // exit non-zero when this slot is reached
	EnvExitCode   = "DEMO_EXIT_CODE"    // status used for injected failures, default 1
	EnvSink       = "DEMO_SINK"         // "log" (default) or "clickhouse"
)

const DefaultStorageURL = "http://localhost:8123"

// Config is the worker's assignment.
type Config struct {
	Range        types.WorkRange
	Threads      int
	StorageURL   string
	ResetOnStart bool
	ChunkIndex   int
	WorkerIndex  int

	SlotDelay  time.Duration
	FailAtSlot *uint64
	ExitCode   int
	Sink       string
}

// FromEnv builds a Config from the variables the scheduler sets. getenv is
// os.Getenv in production.
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Config{
		Threads:    1,
		StorageURL: DefaultStorageURL,
		ExitCode:   1,
		Sink:       "log",
	}

	start, err := requiredUint(getenv, worker.EnvSlotStart)
	if err != nil {
		return cfg, err
	}
	end, err := requiredUint(getenv, worker.EnvSlotEnd)
	if err != nil {
		return cfg, err
	}
	cfg.Range = types.WorkRange{Start: start, End: end}
	if err := cfg.Range.Validate(); err != nil {
		return cfg, err
	}

	if v := getenv(worker.EnvThreads); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, types.NewConfigError(worker.EnvThreads, fmt.Sprintf("must be a positive integer, got %q", v))
		}
		cfg.Threads = n
	}
	if v := getenv(worker.EnvStorageURL); v != "" {
		cfg.StorageURL = v
	}
	cfg.ResetOnStart = getenv(worker.EnvResetOnStart) == "true"
	cfg.ChunkIndex, _ = strconv.Atoi(getenv(worker.EnvChunkIndex))
	cfg.WorkerIndex, _ = strconv.Atoi(getenv(worker.EnvWorkerIndex))

	if v := getenv(EnvSlotDelay); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, types.NewConfigError(EnvSlotDelay, err.Error())
		}
		cfg.SlotDelay = d
	}
	if v := getenv(EnvFailAtSlot); v != "" {
		slot, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return cfg, types.NewConfigError(EnvFailAtSlot, fmt.Sprintf("%q is not a slot", v))
		}
		cfg.FailAtSlot = &slot
	}
	if v := getenv(EnvExitCode); v != "" {
		code, err := strconv.Atoi(v)
		if err != nil || code < 1 || code > 255 {
			return cfg, types.NewConfigError(EnvExitCode, fmt.Sprintf("must be within [1, 255], got %q", v))
		}
		cfg.ExitCode = code
	}
	if v := getenv(EnvSink); v != "" {
		cfg.Sink = v
	}
	return cfg, nil
}

func requiredUint(getenv func(string) string, key string) (uint64, error) {
	v := getenv(key)
	if v == "" {
		return 0, types.NewConfigError(key, "is not set")
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, types.NewConfigError(key, fmt.Sprintf("%q is not a non-negative integer", v))
	}
	return n, nil
}
