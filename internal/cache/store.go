package cache

import (
	"context"
	"errors"
	"sort"
	"sync"

	"abiforge/internal/abi"
)

// ErrChecksumMismatch is returned when an artifact's content does not match
// the checksum recorded in its entry.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// Store is the cache index.
//
// Put is first-writer-wins: if an entry for the key already exists it is
// returned unchanged with won=false and the new entry is discarded.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, bool, error)
	Put(ctx context.Context, e Entry) (stored Entry, won bool, err error)
	List(ctx context.Context, pkg, version string) ([]Entry, error)
}

// Query is a relaxed lookup: any entry for Package/Version whose fingerprint
// satisfies Fingerprint. ConfigHash, when set, must match exactly.
type Query struct {
	Package     string
	Version     string
	Fingerprint abi.Fingerprint
	ConfigHash  string
}

// FindCompatible returns the best entry that can stand in for q. An exact
// fingerprint match wins; otherwise the compatible entry with the lowest
// standard level, then the newest.
func FindCompatible(ctx context.Context, s Store, q Query) (Entry, bool, error) {
	entries, err := s.List(ctx, q.Package, q.Version)
	if err != nil {
		return Entry{}, false, err
	}

	var candidates []Entry
	for _, e := range entries {
		if q.ConfigHash != "" && e.Key.ConfigHash != q.ConfigHash {
			continue
		}
		if !abi.IsCompatible(q.Fingerprint, e.Key.Fingerprint) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return Entry{}, false, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		ea, eb := a.Key.Fingerprint == q.Fingerprint, b.Key.Fingerprint == q.Fingerprint
		if ea != eb {
			return ea
		}
		if a.Key.Fingerprint.Std != b.Key.Fingerprint.Std {
			return a.Key.Fingerprint.Std < b.Key.Fingerprint.Std
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Key.String() < b.Key.String()
	})
	return candidates[0], true, nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key.String()]
	return e, ok, nil
}

func (m *MemoryStore) Put(_ context.Context, e Entry) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := e.Key.String()
	if existing, ok := m.entries[k]; ok {
		return existing, false, nil
	}
	m.entries[k] = e
	return e, true, nil
}

func (m *MemoryStore) List(_ context.Context, pkg, version string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Key.Package == pkg && (version == "" || e.Key.Version == version) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Key.String() < es[j].Key.String() })
}
