package worker

import (
	"sort"
	"strconv"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

// Environment variables read by the worker executable.
const (
	EnvSlotStart    = "SLOT_START"
	EnvSlotEnd      = "SLOT_END"
	EnvThreads      = "THREADS"
	EnvStorageURL   = "CLICKHOUSE_URL"
	EnvResetOnStart = "CLEAR_DB_ON_START"
	EnvChunkIndex   = "CHUNKRUN_CHUNK_INDEX"
	EnvWorkerIndex  = "CHUNKRUN_WORKER_INDEX"
)

// TaskEnv renders the task as KEY=VALUE pairs. The reset flag is always
// written explicitly since the worker treats a missing flag as "reset".
func TaskEnv(task types.WorkerTask) []string {
	return []string{
		EnvSlotStart + "=" + strconv.FormatUint(task.Range.Start, 10),
		EnvSlotEnd + "=" + strconv.FormatUint(task.Range.End, 10),
		EnvThreads + "=" + strconv.Itoa(task.ThreadCount),
		EnvStorageURL + "=" + task.StorageEndpoint,
		EnvResetOnStart + "=" + strconv.FormatBool(task.ResetStorage),
		EnvChunkIndex + "=" + strconv.Itoa(task.ChunkIndex),
		EnvWorkerIndex + "=" + strconv.Itoa(task.Index),
	}
}

// BuildEnv layers base, then extra (sorted for stable output), then the task
// variables. os/exec keeps the last value of a duplicated key, so the task
// always wins over both.
func BuildEnv(base []string, extra map[string]string, task types.WorkerTask) []string {
	env := make([]string, 0, len(base)+len(extra)+7)
	env = append(env, base...)

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}

	return append(env, TaskEnv(task)...)
}
