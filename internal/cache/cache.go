package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Blobs stores artifact payloads. Locations are opaque to callers.
type Blobs interface {
	Put(ctx context.Context, name string, r io.Reader, size int64) (location string, err error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
}

// Cache combines an index Store with artifact Blobs and keeps recently used
// entries in memory. It is itself a Store.
type Cache struct {
	index Store
	blobs Blobs
	front *lru.Cache[string, Entry]
	now   func() time.Time
}

// New returns a cache over index and blobs. frontSize bounds the in-memory
// entry cache; zero disables it.
func New(index Store, blobs Blobs, frontSize int) (*Cache, error) {
	c := &Cache{index: index, blobs: blobs, now: time.Now}
	if frontSize > 0 {
		front, err := lru.New[string, Entry](frontSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create entry cache: %w", err)
		}
		c.front = front
	}
	return c, nil
}

// WithClock replaces the clock used for CreatedAt.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

func (c *Cache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	k := key.String()
	if c.front != nil {
		if e, ok := c.front.Get(k); ok {
			return e, true, nil
		}
	}
	e, ok, err := c.index.Get(ctx, key)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	if c.front != nil {
		c.front.Add(k, e)
	}
	return e, true, nil
}

func (c *Cache) Put(ctx context.Context, e Entry) (Entry, bool, error) {
	stored, won, err := c.index.Put(ctx, e)
	if err != nil {
		return Entry{}, false, err
	}
	if c.front != nil {
		c.front.Add(stored.Key.String(), stored)
	}
	return stored, won, nil
}

func (c *Cache) List(ctx context.Context, pkg, version string) ([]Entry, error) {
	return c.index.List(ctx, pkg, version)
}

// FindCompatible is FindCompatible over this cache.
func (c *Cache) FindCompatible(ctx context.Context, q Query) (Entry, bool, error) {
	return FindCompatible(ctx, c, q)
}

// Store uploads the artifact at artifactPath and registers it under key.
// If another writer registered key first, the uploaded copy is discarded and
// the existing entry is returned with won=false.
func (c *Cache) Store(ctx context.Context, key Key, artifactPath string) (Entry, bool, error) {
	if existing, ok, err := c.Get(ctx, key); err != nil {
		return Entry{}, false, err
	} else if ok {
		return existing, false, nil
	}

	sum, err := ChecksumFile(artifactPath)
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to checksum artifact: %w", err)
	}
	f, err := os.Open(artifactPath)
	if err != nil {
		return Entry{}, false, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return Entry{}, false, err
	}

	name := path.Join(key.String(), sum+artifactExt(artifactPath))
	loc, err := c.blobs.Put(ctx, name, f, st.Size())
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to upload artifact: %w", err)
	}

	e := Entry{Key: key, Location: loc, Checksum: sum, CreatedAt: c.now().UTC().Truncate(time.Millisecond)}
	stored, won, err := c.Put(ctx, e)
	if err != nil {
		_ = c.blobs.Delete(ctx, loc)
		return Entry{}, false, err
	}
	if !won && stored.Location != loc {
		_ = c.blobs.Delete(ctx, loc)
	}
	return stored, won, nil
}

func artifactExt(p string) string {
	for _, ext := range []string{".tar.zst", ".tar.gz", ".tgz", ".tar.xz", ".txz", ".tar"} {
		if strings.HasSuffix(p, ext) {
			return ext
		}
	}
	return ArtifactExt
}

// Fetch extracts the artifact of e into dest, verifying its checksum.
// On a mismatch dest may hold partial content; callers extract into a
// scratch directory.
func (c *Cache) Fetch(ctx context.Context, e Entry, dest string) error {
	rc, err := c.blobs.Open(ctx, e.Location)
	if err != nil {
		return fmt.Errorf("failed to open artifact %s: %w", e.Location, err)
	}
	defer rc.Close()

	h := NewHasher()
	tee := io.TeeReader(rc, h)
	if err := Extract(e.Location, tee, dest); err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return err
	}
	if got := fmt.Sprintf("%x", h.Sum(nil)); got != e.Checksum {
		return fmt.Errorf("%s: %w (want %s, got %s)", e.Key, ErrChecksumMismatch, e.Checksum, got)
	}
	return nil
}

// MemoryBlobs keeps artifacts in memory. Used for tests and dry runs.
type MemoryBlobs struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobs() *MemoryBlobs {
	return &MemoryBlobs{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobs) Put(_ context.Context, name string, r io.Reader, _ int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	loc := "mem://" + name
	m.mu.Lock()
	m.blobs[loc] = data
	m.mu.Unlock()
	return loc, nil
}

func (m *MemoryBlobs) Open(_ context.Context, location string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.blobs[location]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", location, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryBlobs) Delete(_ context.Context, location string) error {
	m.mu.Lock()
	delete(m.blobs, location)
	m.mu.Unlock()
	return nil
}

// Len reports how many blobs are stored.
func (m *MemoryBlobs) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
