package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DirStore keeps one JSON file per entry under Root/index. Writers publish
// with a hard link so a reader never sees a half-written entry and the first
// link wins; a file lock serializes writers across processes.
type DirStore struct {
	Root string
}

func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "index"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache index: %w", err)
	}
	return &DirStore{Root: root}, nil
}

func (d *DirStore) entryPath(k Key) string {
	return filepath.Join(d.Root, "index", filepath.FromSlash(k.String())+".json")
}

func (d *DirStore) withLock(how int, fn func() error) error {
	f, err := os.OpenFile(filepath.Join(d.Root, "index", ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

func readEntry(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("corrupt cache entry %s: %w", path, err)
	}
	return e, nil
}

func (d *DirStore) Get(_ context.Context, key Key) (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)
	err := d.withLock(unix.LOCK_SH, func() error {
		var err error
		e, err = readEntry(d.entryPath(key))
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		found = err == nil
		return err
	})
	return e, found, err
}

func (d *DirStore) Put(_ context.Context, e Entry) (Entry, bool, error) {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return Entry{}, false, err
	}
	final := d.entryPath(e.Key)

	var (
		stored = e
		won    bool
	)
	err = d.withLock(unix.LOCK_EX, func() error {
		if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
			return err
		}
		tmp, err := os.CreateTemp(filepath.Dir(final), ".entry-*")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return err
		}
		if err := tmp.Close(); err != nil {
			return err
		}

		if err := os.Link(tmp.Name(), final); err != nil {
			if !errors.Is(err, fs.ErrExist) {
				return err
			}
			stored, err = readEntry(final)
			return err
		}
		won = true
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return stored, won, nil
}

func (d *DirStore) List(_ context.Context, pkg, version string) ([]Entry, error) {
	dir := filepath.Join(d.Root, "index", segment(pkg))
	if version != "" {
		dir = filepath.Join(d.Root, "index", filepath.FromSlash(prefix(pkg, version)))
	}

	var out []Entry
	err := d.withLock(unix.LOCK_SH, func() error {
		err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if de.IsDir() || !strings.HasSuffix(path, ".json") || strings.HasPrefix(de.Name(), ".") {
				return nil
			}
			e, err := readEntry(path)
			if err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	})
	sortEntries(out)
	return out, err
}

// DirBlobs stores artifact files under Root/artifacts.
type DirBlobs struct {
	Root string
}

func (d *DirBlobs) Put(_ context.Context, name string, r io.Reader, _ int64) (string, error) {
	final := filepath.Join(d.Root, "artifacts", filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(final), ".blob-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

func (d *DirBlobs) Open(_ context.Context, location string) (io.ReadCloser, error) {
	return os.Open(location)
}

func (d *DirBlobs) Delete(_ context.Context, location string) error {
	err := os.Remove(location)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
