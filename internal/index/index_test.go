package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abiforge/internal/abi"
	"abiforge/internal/resolve"
	"abiforge/internal/semver"
)

const sample = `
packages:
  app:
    - version: 1.0.0
      source: src/app
      std: {min: c++17}
      defaults:
        build_type: Debug
        args: [-DAPP_TESTS=OFF]
      depends:
        - fmt@^10
        - name: zlib
          constraint: ">=1.2"
          features: [static]
          prefix: /opt/zlib
  fmt:
    - version: 10.2.1
      std: {min: c++11, max: c++23}
    - version: 9.1.0
      std: {min: c++11, max: c++20}
  zlib:
    - version: 1.3.0
      build: custom
      script: ./configure --prefix="$PREFIX" && make install
  nlohmann-json:
    - version: 3.11.3
      build: header-only
`

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	idx, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"app", "fmt", "nlohmann-json", "zlib"}, idx.Names())

	ctx := context.Background()
	m, err := idx.Manifest(ctx, "app", semver.MustParseVersion("1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, resolve.CMake, m.Build)
	assert.Equal(t, filepath.Join(dir, "src", "app"), m.Source)
	assert.Equal(t, abi.Std17, m.StdMin)
	assert.Equal(t, abi.Std23, m.StdMax)
	assert.Equal(t, "Debug", m.Defaults.BuildType)
	assert.Equal(t, []string{"-DAPP_TESTS=OFF"}, m.Defaults.Args)

	require.Len(t, m.Deps, 2)
	assert.Equal(t, "fmt", m.Deps[0].Name)
	assert.Equal(t, "^10", m.Deps[0].Constraint.String())
	got := m.Deps[1]
	want := resolve.Dependency{
		Name:          "zlib",
		Features:      []string{"static"},
		InstallPrefix: "/opt/zlib",
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(resolve.Dependency{}, "Constraint")); diff != "" {
		t.Errorf("dependency mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, ">=1.2", got.Constraint.String())

	zlib, err := idx.Manifest(ctx, "zlib", semver.MustParseVersion("1.3.0"))
	require.NoError(t, err)
	assert.Equal(t, resolve.Custom, zlib.Build)
	assert.Contains(t, zlib.Script, "make install")

	headers, err := idx.Manifest(ctx, "nlohmann-json", semver.MustParseVersion("3.11.3"))
	require.NoError(t, err)
	assert.False(t, headers.Build.NeedsCompiler())
}

func TestCandidates(t *testing.T) {
	idx, err := Parse([]byte(sample), "/")
	require.NoError(t, err)
	ctx := context.Background()

	vs, err := idx.Candidates(ctx, "fmt", semver.MustParseConstraint("*"))
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "10.2.1", vs[0].String())
	assert.Equal(t, "9.1.0", vs[1].String())

	vs, err = idx.Candidates(ctx, "fmt", semver.MustParseConstraint("<10"))
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "9.1.0", vs[0].String())

	_, err = idx.Candidates(ctx, "boost", semver.MustParseConstraint("*"))
	assert.ErrorContains(t, err, "not found")

	_, err = idx.Manifest(ctx, "fmt", semver.MustParseVersion("8.0.0"))
	assert.ErrorContains(t, err, "not found")
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"bad version":      "packages: {a: [{version: one}]}",
		"bad build system": "packages: {a: [{version: 1.0.0, build: bazel}]}",
		"custom no script": "packages: {a: [{version: 1.0.0, build: custom}]}",
		"std range":        "packages: {a: [{version: 1.0.0, std: {min: c++20, max: c++17}}]}",
		"bad std":          "packages: {a: [{version: 1.0.0, std: {min: c++19}}]}",
		"duplicate":        "packages: {a: [{version: 1.0.0}, {version: 1.0.0}]}",
		"self dependency":  "packages: {a: [{version: 1.0.0, depends: [a]}]}",
		"bad constraint":   "packages: {a: [{version: 1.0.0, depends: [\"b@>>1\"]}]}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), "/")
			assert.Error(t, err)
		})
	}
}

func TestResolveFromIndex(t *testing.T) {
	idx, err := Parse([]byte(sample), "/")
	require.NoError(t, err)

	r := &resolve.Resolver{Provider: idx, Std: abi.Std17}
	plan, err := r.Resolve(context.Background(), []resolve.Request{{Name: "app", Constraint: semver.MustParseConstraint("*")}})
	require.NoError(t, err)

	fmtNode, ok := plan.Lookup("fmt")
	require.True(t, ok)
	assert.Equal(t, "10.2.1", fmtNode.Version.String())
	assert.Equal(t, "Debug", fmtNode.Config.BuildType)

	zlib, ok := plan.Lookup("zlib")
	require.True(t, ok)
	assert.Equal(t, "Debug", zlib.Config.BuildType)
	assert.Equal(t, "/opt/zlib", zlib.Config.InstallPrefix)
	assert.Equal(t, []string{"static"}, zlib.Config.Features)
}
