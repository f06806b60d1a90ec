package cli

import (
	"bytes"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abiforge/internal/cache"
	"abiforge/internal/proc"
)

const testIndex = `
packages:
  hdr:
    - version: 1.0.0
      build: header-only
      source: src/hdr
  app:
    - version: 2.0.0
      build: header-only
      source: src/app
      depends:
        - hdr@^1
`

type env struct {
	config   string
	cacheDir string
	runner   *proc.FakeRunner
}

func setupEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	for _, f := range []string{"src/hdr/include/hdr.hpp", "src/app/include/app.hpp"} {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("#pragma once\n"), 0o644))
	}
	indexPath := filepath.Join(root, "index.yaml")
	require.NoError(t, os.WriteFile(indexPath, []byte(testIndex), 0o644))

	e := &env{
		config:   filepath.Join(root, "abiforge.conf"),
		cacheDir: filepath.Join(root, "cache"),
		// no compiler answers, so the toolchain is Unknown
		runner: proc.NewFakeRunner(),
	}
	conf := strings.Join([]string{
		"ABIFORGE_INDEX=" + indexPath,
		"ABIFORGE_CACHE_BACKEND=dir",
		"ABIFORGE_CACHE_DIR=" + e.cacheDir,
		"ABIFORGE_WORK_DIR=" + filepath.Join(root, "work"),
		"ABIFORGE_JOBS=2",
		"ABIFORGE_LOG_LEVEL=error",
	}, "\n")
	require.NoError(t, os.WriteFile(e.config, []byte(conf+"\n"), 0o644))
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand(&app{out: &out, errOut: &errOut, runner: e.runner})
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *env) artifacts(t *testing.T) []string {
	t.Helper()
	var found []string
	err := filepath.WalkDir(filepath.Join(e.cacheDir, "artifacts"), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, cache.ArtifactExt) {
			found = append(found, path)
		}
		return nil
	})
	require.NoError(t, err)
	return found
}

func TestBuildWorkflow(t *testing.T) {
	e := setupEnv(t)

	out, err := e.run(t, "plan", "app", "--json")
	require.NoError(t, err)
	var rows []planRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "hdr", rows[0].Package)
	assert.Equal(t, "app", rows[1].Package)
	assert.False(t, rows[0].Cached)

	out, err = e.run(t, "build", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "Built packages")
	assert.NotContains(t, out, "Reused from cache")
	assert.Len(t, e.artifacts(t), 2)

	out, err = e.run(t, "build", "app")
	require.NoError(t, err)
	assert.Contains(t, out, "Reused from cache")
	assert.NotContains(t, out, "Built packages")
	assert.Len(t, e.artifacts(t), 2, "a cache hit must not store a new artifact")

	out, err = e.run(t, "plan", "app", "--json")
	require.NoError(t, err)
	rows = nil
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	for _, r := range rows {
		assert.True(t, r.Cached, r.Package)
		assert.NotEmpty(t, r.Location, r.Package)
	}

	out, err = e.run(t, "cache", "ls", "hdr")
	require.NoError(t, err)
	assert.Contains(t, out, "1.0.0")

	out, err = e.run(t, "cache", "find", "hdr", "1.0.0", "--json")
	require.NoError(t, err)
	var entry cache.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, "hdr", entry.Key.Package)

	_, err = e.run(t, "cache", "find", "hdr", "1.0.0", "--mode", "debug")
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	e := setupEnv(t)
	_, err := e.run(t, "build", "hdr")
	require.NoError(t, err)

	found := e.artifacts(t)
	require.Len(t, found, 1)

	out, err := e.run(t, "inspect", found[0])
	require.NoError(t, err)
	assert.Contains(t, out, "Fingerprint:")
	assert.Contains(t, out, "cxx_standard:")
	assert.Contains(t, out, "include/hdr.hpp")
	assert.NotContains(t, out, "abi.json")

	out, err = e.run(t, "inspect", "-q", found[0])
	require.NoError(t, err)
	assert.NotContains(t, out, "include/hdr.hpp")
}

func TestBuildUnknownPackage(t *testing.T) {
	e := setupEnv(t)
	_, err := e.run(t, "build", "nope")
	assert.Error(t, err)
}

func TestExplicitConfigMustExist(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand(&app{out: &out, errOut: &out, runner: proc.NewFakeRunner()})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.conf"), "detect"})
	assert.Error(t, cmd.Execute())
}

func TestFlagsOverrideConfig(t *testing.T) {
	e := setupEnv(t)
	out, err := e.run(t, "--std", "20", "plan", "hdr", "--json")
	require.NoError(t, err)
	var rows []planRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.True(t, strings.HasSuffix(rows[0].Fingerprint, "c++20"), rows[0].Fingerprint)
}
