package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/iTrooz/offline-cache-proxy/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storages returns one fresh instance of every backend
func storages(t *testing.T) map[string]Storage {
	t.Helper()
	tempDir := t.TempDir()

	disk, err := NewDiskStorage(filepath.Join(tempDir, "disk"))
	require.NoError(t, err)

	sqlite, err := NewSQLiteStorage(filepath.Join(tempDir, "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Storage{
		"disk":   disk,
		"sqlite": sqlite,
		"memory": NewMemoryStorage(),
	}
}

func TestStorageOpenCreatesStore(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			names, err := storage.Names()
			require.NoError(t, err)
			assert.Empty(t, names)

			_, err = storage.Open("cache-v1")
			require.NoError(t, err)

			names, err = storage.Names()
			require.NoError(t, err)
			assert.Equal(t, []string{"cache-v1"}, names)
		})
	}
}

func TestStorageSetGetDelete(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open("cache-v1")
			require.NoError(t, err)

			data, err := store.Get("example.com/GET.bin")
			require.NoError(t, err)
			assert.Nil(t, data, "missing key should return nil")

			require.NoError(t, store.Set("example.com/GET.bin", []byte("first")))
			require.NoError(t, store.Set("example.com/GET.bin", []byte("second")))

			data, err = store.Get("example.com/GET.bin")
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), data, "last write wins")

			keys, err := store.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"example.com/GET.bin"}, keys)

			require.NoError(t, store.Delete("example.com/GET.bin"))
			require.NoError(t, store.Delete("example.com/GET.bin"), "deleting twice is not an error")

			keys, err = store.Keys()
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStorageStoresAreIsolated(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			v1, err := storage.Open("cache-v1")
			require.NoError(t, err)
			v2, err := storage.Open("cache-v2")
			require.NoError(t, err)

			require.NoError(t, v1.Set("k", []byte("v1")))

			data, err := v2.Get("k")
			require.NoError(t, err)
			assert.Nil(t, data)
		})
	}
}

func TestStorageDelete(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			old, err := storage.Open("cache-v0")
			require.NoError(t, err)
			require.NoError(t, old.Set("k", []byte("stale")))
			_, err = storage.Open("cache-v1")
			require.NoError(t, err)

			require.NoError(t, storage.Delete("cache-v0"))
			require.NoError(t, storage.Delete("never-existed"))

			names, err := storage.Names()
			require.NoError(t, err)
			assert.Equal(t, []string{"cache-v1"}, names)

			// Reopening yields an empty store
			reopened, err := storage.Open("cache-v0")
			require.NoError(t, err)
			data, err := reopened.Get("k")
			require.NoError(t, err)
			assert.Nil(t, data)
		})
	}
}

func TestStorageRejectsInvalidNames(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			for _, invalid := range []string{"", ".", "..", "a/b", `a\b`} {
				_, err := storage.Open(invalid)
				assert.ErrorIs(t, err, ErrInvalidStoreName, "name %q", invalid)
			}
		})
	}
}

func TestStorageConcurrentWrites(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, err := storage.Open("cache-v1")
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					assert.NoError(t, store.Set(fmt.Sprintf("key-%d", i%5), []byte(fmt.Sprintf("value-%d", i))))
				}(i)
			}
			wg.Wait()

			keys, err := store.Keys()
			require.NoError(t, err)
			assert.Len(t, keys, 5)
		})
	}
}

func TestNewStorage(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name    string
		cfg     config.CacheConfig
		wantErr bool
	}{
		{name: "disk", cfg: config.CacheConfig{Backend: "disk", Folder: filepath.Join(tempDir, "disk")}},
		{name: "sqlite", cfg: config.CacheConfig{Backend: "sqlite", Database: filepath.Join(tempDir, "c.db")}},
		{name: "memory", cfg: config.CacheConfig{Backend: "memory"}},
		{name: "unknown", cfg: config.CacheConfig{Backend: "redis"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage, err := NewStorage(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, storage.Close())
		})
	}
}
