package cache

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abiforge/internal/abi"
	"abiforge/internal/toolchain"
)

var (
	created = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	gccFP   = abi.New(
		toolchain.Identity{Family: toolchain.GCC, Version: "13.2.0", Stdlib: "libstdc++"},
		toolchain.Target{Arch: "x86_64", OS: "linux"},
		abi.Release, abi.Std17,
	)
)

func entryFor(pkg, version string, fp abi.Fingerprint, cfg, loc string) Entry {
	return Entry{
		Key:       NewKey(pkg, version, fp, cfg),
		Location:  loc,
		Checksum:  "c0ffee",
		CreatedAt: created,
	}
}

func newS3Store(t *testing.T) *S3Store {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "mock-access-key")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "mock-secret-key")
	t.Setenv("AWS_REGION", "us-east-1")

	mock := s3mem.New()
	require.NoError(t, mock.CreateBucket("cache"))
	ts := httptest.NewServer(gofakes3.New(mock).Server())
	t.Cleanup(ts.Close)

	s, err := NewS3Store(context.Background(), S3Config{Bucket: "cache", Prefix: "abiforge", Endpoint: ts.URL, Region: "us-east-1"})
	require.NoError(t, err)
	return s
}

// backends returns every Store implementation, freshly initialized.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	dir, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	front, err := New(NewMemoryStore(), NewMemoryBlobs(), 8)
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"dir":    dir,
		"sqlite": db,
		"s3":     newS3Store(t),
		"lru":    front,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			e := entryFor("fmt", "10.2.1", gccFP, "abc123", "/cache/fmt.tar.zst")

			_, ok, err := s.Get(ctx, e.Key)
			require.NoError(t, err)
			assert.False(t, ok)

			stored, won, err := s.Put(ctx, e)
			require.NoError(t, err)
			assert.True(t, won)
			assert.Equal(t, e, stored)

			got, ok, err := s.Get(ctx, e.Key)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, e, got)
		})
	}
}

func TestStoreFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			first := entryFor("zlib", "1.3.1", gccFP, "cfg", "first")
			second := first
			second.Location = "second"
			second.Checksum = "beef"

			_, won, err := s.Put(ctx, first)
			require.NoError(t, err)
			require.True(t, won)

			stored, won, err := s.Put(ctx, second)
			require.NoError(t, err)
			assert.False(t, won)
			assert.Equal(t, "first", stored.Location)

			got, _, err := s.Get(ctx, first.Key)
			require.NoError(t, err)
			assert.Equal(t, first, got, "a later writer must not replace the entry")
		})
	}
}

func TestStoreConcurrentPut(t *testing.T) {
	ctx := context.Background()
	stores := map[string]Store{"memory": NewMemoryStore()}
	dir, err := NewDirStore(t.TempDir())
	require.NoError(t, err)
	stores["dir"] = dir

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					e := entryFor("boost", "1.84.0", gccFP, "cfg", filepath.Join("loc", string(rune('a'+i))))
					_, won, err := s.Put(ctx, e)
					assert.NoError(t, err)
					if won {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			a := entryFor("fmt", "10.2.1", gccFP, "a", "la")
			b := entryFor("fmt", "10.2.1", gccFP.WithStd(abi.Std20), "a", "lb")
			c := entryFor("fmt", "9.1.0", gccFP, "a", "lc")
			d := entryFor("spdlog", "1.13.0", gccFP, "a", "ld")
			for _, e := range []Entry{a, b, c, d} {
				_, _, err := s.Put(ctx, e)
				require.NoError(t, err)
			}

			got, err := s.List(ctx, "fmt", "10.2.1")
			require.NoError(t, err)
			assert.ElementsMatch(t, []Entry{a, b}, got)

			all, err := s.List(ctx, "fmt", "")
			require.NoError(t, err)
			assert.ElementsMatch(t, []Entry{a, b, c}, all)

			none, err := s.List(ctx, "absent", "1.0.0")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestFindCompatible(t *testing.T) {
	ctx := context.Background()
	required := gccFP // Release/GCC/x86_64/linux/c++17

	t.Run("std20 entry satisfies std17 requirement", func(t *testing.T) {
		s := NewMemoryStore()
		e := entryFor("fmt", "10.2.1", required.WithStd(abi.Std20), "cfg", "l20")
		_, _, err := s.Put(ctx, e)
		require.NoError(t, err)

		got, ok, err := FindCompatible(ctx, s, Query{Package: "fmt", Version: "10.2.1", Fingerprint: required})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, e, got)
	})

	t.Run("std14 entry does not", func(t *testing.T) {
		s := NewMemoryStore()
		_, _, err := s.Put(ctx, entryFor("fmt", "10.2.1", required.WithStd(abi.Std14), "cfg", "l14"))
		require.NoError(t, err)

		_, ok, err := FindCompatible(ctx, s, Query{Package: "fmt", Version: "10.2.1", Fingerprint: required})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("exact match preferred", func(t *testing.T) {
		s := NewMemoryStore()
		exact := entryFor("fmt", "10.2.1", required, "cfg", "exact")
		newer := entryFor("fmt", "10.2.1", required.WithStd(abi.Std23), "cfg", "newer")
		newer.CreatedAt = created.Add(time.Hour)
		for _, e := range []Entry{newer, exact} {
			_, _, err := s.Put(ctx, e)
			require.NoError(t, err)
		}

		got, ok, err := FindCompatible(ctx, s, Query{Package: "fmt", Version: "10.2.1", Fingerprint: required})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "exact", got.Location)
	})

	t.Run("closest standard among compatible", func(t *testing.T) {
		s := NewMemoryStore()
		for _, e := range []Entry{
			entryFor("fmt", "10.2.1", required.WithStd(abi.Std23), "cfg", "23"),
			entryFor("fmt", "10.2.1", required.WithStd(abi.Std20), "cfg", "20"),
		} {
			_, _, err := s.Put(ctx, e)
			require.NoError(t, err)
		}
		got, ok, err := FindCompatible(ctx, s, Query{Package: "fmt", Version: "10.2.1", Fingerprint: required})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "20", got.Location)
	})

	t.Run("mode and config hash must match", func(t *testing.T) {
		s := NewMemoryStore()
		_, _, err := s.Put(ctx, entryFor("fmt", "10.2.1", required.WithMode(abi.Debug), "cfg", "debug"))
		require.NoError(t, err)
		_, _, err = s.Put(ctx, entryFor("fmt", "10.2.1", required, "other", "other-cfg"))
		require.NoError(t, err)

		_, ok, err := FindCompatible(ctx, s, Query{Package: "fmt", Version: "10.2.1", Fingerprint: required, ConfigHash: "cfg"})
		require.NoError(t, err)
		assert.False(t, ok)

		got, ok, err := FindCompatible(ctx, s, Query{Package: "fmt", Version: "10.2.1", Fingerprint: required})
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "other-cfg", got.Location)
	})
}

func TestKeyString(t *testing.T) {
	k := NewKey("fmt", "10.2.1", gccFP, "abc")
	assert.Equal(t, "fmt/10.2.1/gcc-13.2-libstdc++-x86_64-linux-release-c++17/abc", k.String())
	assert.Equal(t, k.String(), NewKey("fmt", "10.2.1", gccFP, "abc").String())

	odd := NewKey("../evil/pkg", "1.0", gccFP, "abc")
	assert.NotContains(t, odd.String(), "..")
}
