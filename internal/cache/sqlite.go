package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"abiforge/internal/abi"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	key         TEXT PRIMARY KEY,
	package     TEXT NOT NULL,
	version     TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	config_hash TEXT NOT NULL,
	location    TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_package_version ON entries (package, version);
`

// SQLiteStore keeps the cache index in a SQLite database. Artifacts live in
// a separate Blobs implementation.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the index database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		pkg, version, fpJSON, cfgHash, location, checksum string
		created                                           int64
	)
	if err := row.Scan(&pkg, &version, &fpJSON, &cfgHash, &location, &checksum, &created); err != nil {
		return Entry{}, err
	}
	var fp abi.Fingerprint
	if err := json.Unmarshal([]byte(fpJSON), &fp); err != nil {
		return Entry{}, fmt.Errorf("corrupt fingerprint for %s@%s: %w", pkg, version, err)
	}
	return Entry{
		Key:       NewKey(pkg, version, fp, cfgHash),
		Location:  location,
		Checksum:  checksum,
		CreatedAt: time.Unix(0, created).UTC(),
	}, nil
}

const selectColumns = `SELECT package, version, fingerprint, config_hash, location, checksum, created_at FROM entries`

func (s *SQLiteStore) Get(ctx context.Context, key Key) (Entry, bool, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, selectColumns+` WHERE key = ?`, key.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e Entry) (Entry, bool, error) {
	fp, err := json.Marshal(e.Key.Fingerprint)
	if err != nil {
		return Entry{}, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (key, package, version, fingerprint, config_hash, location, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (key) DO NOTHING`,
		e.Key.String(), e.Key.Package, e.Key.Version, string(fp), e.Key.ConfigHash,
		e.Location, e.Checksum, e.CreatedAt.UnixNano())
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to insert cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, false, err
	}
	if n == 1 {
		return e, true, nil
	}
	existing, ok, err := s.Get(ctx, e.Key)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, fmt.Errorf("cache entry %s vanished after conflicting insert", e.Key)
	}
	return existing, false, nil
}

func (s *SQLiteStore) List(ctx context.Context, pkg, version string) ([]Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if version == "" {
		rows, err = s.db.QueryContext(ctx, selectColumns+` WHERE package = ? ORDER BY key`, pkg)
	} else {
		rows, err = s.db.QueryContext(ctx, selectColumns+` WHERE package = ? AND version = ? ORDER BY key`, pkg, version)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
