package cache

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"abiforge/internal/abi"
)

// Key addresses one cached artifact: a package version built with one ABI
// fingerprint under one configuration.
type Key struct {
	Package     string
	Version     string
	Fingerprint abi.Fingerprint
	ConfigHash  string
}

func NewKey(pkg, version string, fp abi.Fingerprint, configHash string) Key {
	return Key{Package: pkg, Version: version, Fingerprint: fp, ConfigHash: configHash}
}

var segmentReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

func segment(s string) string {
	if s == "" {
		return "_"
	}
	return segmentReplacer.Replace(s)
}

// String is the deterministic serialization of k. It doubles as a relative
// storage path: <package>/<version>/<fingerprint>/<config hash>.
func (k Key) String() string {
	return path.Join(segment(k.Package), segment(k.Version), segment(k.Fingerprint.Key()), segment(k.ConfigHash))
}

// prefix is the storage path shared by every key of one package version.
func prefix(pkg, version string) string {
	return path.Join(segment(pkg), segment(version))
}

// Entry records where a built artifact lives. Entries are append-only:
// a rebuild produces a new entry, never an update.
type Entry struct {
	Key       Key
	Location  string
	Checksum  string
	CreatedAt time.Time
}

type entryJSON struct {
	Key         string          `json:"key"`
	Package     string          `json:"package"`
	Version     string          `json:"version"`
	Fingerprint abi.Fingerprint `json:"fingerprint"`
	ConfigHash  string          `json:"config_hash"`
	Location    string          `json:"location"`
	Checksum    string          `json:"checksum"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		Key:         e.Key.String(),
		Package:     e.Key.Package,
		Version:     e.Key.Version,
		Fingerprint: e.Key.Fingerprint,
		ConfigHash:  e.Key.ConfigHash,
		Location:    e.Location,
		Checksum:    e.Checksum,
		CreatedAt:   e.CreatedAt,
	})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	key := NewKey(raw.Package, raw.Version, raw.Fingerprint, raw.ConfigHash)
	if raw.Key != "" && raw.Key != key.String() {
		return fmt.Errorf("cache entry: key %q does not match its fields (%q)", raw.Key, key.String())
	}
	*e = Entry{Key: key, Location: raw.Location, Checksum: raw.Checksum, CreatedAt: raw.CreatedAt}
	return nil
}
