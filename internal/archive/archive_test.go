package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
)

func stores(t *testing.T) map[string]core.ArchiveStore {
	fsStore, err := NewFSStore(filepath.Join(t.TempDir(), "archive"))
	require.NoError(t, err)
	return map[string]core.ArchiveStore{
		"fs":     fsStore,
		"memory": NewMemoryStore(),
	}
}

func TestWriteOnce(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := store.Exists(ctx, "evt-1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Write(ctx, "evt-1", []byte(`{"id":"evt-1"}`)))
			assert.ErrorIs(t, store.Write(ctx, "evt-1", []byte(`{"id":"evt-1","v":2}`)), core.ErrAlreadyExists)

			data, err := store.Read(ctx, "evt-1")
			require.NoError(t, err)
			assert.Equal(t, `{"id":"evt-1"}`, string(data))

			ok, err = store.Exists(ctx, "evt-1")
			require.NoError(t, err)
			assert.True(t, ok)

			_, err = store.Read(ctx, "missing")
			assert.ErrorIs(t, err, core.ErrNotFound)
		})
	}
}

func TestConcurrentWritersOneWinner(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if store.Write(context.Background(), "race", []byte("x")) == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestFSStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Write(context.Background(), "a", []byte("1")))
	_ = store.Write(context.Background(), "a", []byte("2"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a.json", entries[0].Name())
}

func TestFSStoreRejectsPathIDs(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "../x", "a/b", ".."} {
		assert.Error(t, store.Write(context.Background(), id, []byte("x")), id)
	}
}
