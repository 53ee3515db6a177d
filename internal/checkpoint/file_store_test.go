package checkpoint

// ============================================================================
// Checkpoint store tests
// Covers: atomic replace, fresh-run detection, version checks, clear
// ============================================================================

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/chunkrun/pkg/types"
)

func sampleCheckpoint() types.Checkpoint {
	return types.Checkpoint{
		NextStart:  250,
		ChunkIndex: 3,
		RunID:      "run-1",
		JobHash:    "abcd",
	}
}

// ============================================================================
// Encode / Decode
// ============================================================================

func TestEncodeSetsSchemaAndTimestamp(t *testing.T) {
	data, err := Encode(sampleCheckpoint())
	require.NoError(t, err)

	cp, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, cp.SchemaVer)
	assert.False(t, cp.UpdatedAt.IsZero())
	assert.Equal(t, uint64(250), cp.NextStart)
	assert.Equal(t, 3, cp.ChunkIndex)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.ErrorIs(t, err, ErrCorruptedCheckpoint)
}

func TestDecodeRejectsOtherSchema(t *testing.T) {
	_, err := Decode([]byte(`{"schema_ver": 99, "next_start": 5}`))
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestJobHashTracksLayout(t *testing.T) {
	a := types.JobConfig{TotalRange: types.WorkRange{Start: 0, End: 100}, ChunkSize: 10}
	b := a
	b.ChunkSize = 20
	c := a
	c.WorkersPerChunk = 8 // not part of the layout

	assert.NotEqual(t, JobHash(a), JobHash(b))
	assert.Equal(t, JobHash(a), JobHash(c))
	assert.Len(t, JobHash(a), 16)
}

// ============================================================================
// FileStore
// ============================================================================

func TestFileStoreMissingFileIsFresh(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	cp, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestFileStoreSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "checkpoint.json")
	store := NewFileStore(path)

	require.NoError(t, store.Save(ctx, sampleCheckpoint()))

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(250), cp.NextStart)
	assert.Equal(t, "run-1", cp.RunID)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")
}

func TestFileStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	for next := uint64(100); next <= 500; next += 100 {
		cp := sampleCheckpoint()
		cp.NextStart = next
		require.NoError(t, store.Save(ctx, cp))
	}

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), cp.NextStart)
}

func TestFileStoreClear(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := NewFileStore(path)

	require.NoError(t, store.Save(ctx, sampleCheckpoint()))
	require.NoError(t, os.WriteFile(path+".tmp", []byte("stale"), 0o644))

	require.NoError(t, store.Clear(ctx))
	require.NoError(t, store.Clear(ctx), "clearing twice is fine")

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cp)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileStoreCorruptedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.ErrorIs(t, err, ErrCorruptedCheckpoint)
}

// A leftover temp file from a crash mid-save must not shadow the real record.
func TestFileStoreIgnoresStaleTemp(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := NewFileStore(path)
	require.NoError(t, store.Save(ctx, sampleCheckpoint()))
	require.NoError(t, os.WriteFile(path+".tmp", []byte(`{"schema_ver":1,"next_start":999}`), 0o644))

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), cp.NextStart)
}

func TestFileStoreConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			cp := sampleCheckpoint()
			cp.NextStart = uint64(n)
			cp.UpdatedAt = time.Now()
			assert.NoError(t, store.Save(ctx, cp))
		}(i)
	}
	wg.Wait()

	cp, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Less(t, cp.NextStart, uint64(10))
}

func TestFileStoreDescribe(t *testing.T) {
	store := NewFileStore("/var/lib/chunkrun/checkpoint.json")
	assert.Equal(t, "file:///var/lib/chunkrun/checkpoint.json", store.Describe())
	assert.Equal(t, "/var/lib/chunkrun/checkpoint.json", store.Path())
}

// ============================================================================
// Open
// ============================================================================

func TestOpenFileByDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	store, closer, err := Open(context.Background(), Options{Path: path})
	require.NoError(t, err)
	defer closer.Close()

	_, ok := store.(*FileStore)
	assert.True(t, ok)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, _, err := Open(context.Background(), Options{Backend: "etcd"})
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestOpenRequiresPath(t *testing.T) {
	_, _, err := Open(context.Background(), Options{Backend: BackendSQLite})
	assert.Error(t, err)
}
