package buildcfg

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds app -> {a, b} -> s with the given defaults.
func diamond(app, a, b, s Defaults) Skeleton {
	return Skeleton{
		Nodes: []Node{
			{Name: "app", Defaults: app, Deps: []Edge{{To: 1}, {To: 2}}},
			{Name: "a", Defaults: a, Deps: []Edge{{To: 3}}},
			{Name: "b", Defaults: b, Deps: []Edge{{To: 3}}},
			{Name: "s", Defaults: s},
		},
		Roots: []int{0},
	}
}

func TestPropagateDefaults(t *testing.T) {
	cfgs, err := Propagate(Request{}, diamond(Defaults{}, Defaults{}, Defaults{}, Defaults{}))
	require.NoError(t, err)
	require.Len(t, cfgs, 4)
	for _, c := range cfgs {
		assert.Equal(t, DefaultBuildType, c.BuildType)
		assert.Equal(t, DefaultInstallPrefix, c.InstallPrefix)
	}
}

func TestPropagateInheritance(t *testing.T) {
	t.Run("build type and prefix flow down", func(t *testing.T) {
		skel := diamond(Defaults{BuildType: "Debug", InstallPrefix: "/opt/app"}, Defaults{}, Defaults{}, Defaults{})
		cfgs, err := Propagate(Request{}, skel)
		require.NoError(t, err)
		for i, c := range cfgs {
			assert.Equal(t, "Debug", c.BuildType, skel.Nodes[i].Name)
			assert.Equal(t, "/opt/app", c.InstallPrefix, skel.Nodes[i].Name)
		}
	})

	t.Run("package default beats inherited", func(t *testing.T) {
		skel := diamond(Defaults{BuildType: "Debug"}, Defaults{}, Defaults{}, Defaults{BuildType: "RelWithDebInfo"})
		cfgs, err := Propagate(Request{}, skel)
		require.NoError(t, err)
		assert.Equal(t, "Debug", cfgs[1].BuildType)
		assert.Equal(t, "RelWithDebInfo", cfgs[3].BuildType)
	})

	t.Run("root override beats everything", func(t *testing.T) {
		skel := diamond(Defaults{BuildType: "Debug"}, Defaults{}, Defaults{}, Defaults{BuildType: "MinSizeRel"})
		skel.Nodes[1].Deps[0].BuildType = "Debug"
		cfgs, err := Propagate(Request{BuildType: "Release", InstallPrefix: "/srv"}, skel)
		require.NoError(t, err)
		for _, c := range cfgs {
			assert.Equal(t, "Release", c.BuildType)
			assert.Equal(t, "/srv", c.InstallPrefix)
		}
	})

	t.Run("explicit edge request beats package default", func(t *testing.T) {
		skel := diamond(Defaults{}, Defaults{}, Defaults{}, Defaults{InstallPrefix: "/usr"})
		skel.Nodes[1].Deps[0].InstallPrefix = "/opt/s"
		cfgs, err := Propagate(Request{}, skel)
		require.NoError(t, err)
		assert.Equal(t, "/opt/s", cfgs[3].InstallPrefix)
	})
}

func TestPropagateConflict(t *testing.T) {
	t.Run("debug and release parents", func(t *testing.T) {
		skel := diamond(Defaults{}, Defaults{BuildType: "Debug"}, Defaults{BuildType: "Release"}, Defaults{})
		_, err := Propagate(Request{}, skel)
		require.Error(t, err)

		var conflict *ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "s", conflict.Node)
		assert.Equal(t, FieldBuildType, conflict.Field)
		assert.Equal(t, []string{"app", "a", "s"}, conflict.PathA)
		assert.Equal(t, "Debug", conflict.ValueA)
		assert.Equal(t, []string{"app", "b", "s"}, conflict.PathB)
		assert.Equal(t, "Release", conflict.ValueB)
		assert.Contains(t, err.Error(), "app -> a -> s")
	})

	t.Run("shared node default settles inherited disagreement", func(t *testing.T) {
		skel := diamond(Defaults{}, Defaults{BuildType: "Debug"}, Defaults{BuildType: "Release"}, Defaults{BuildType: "Release"})
		_, err := Propagate(Request{}, skel)
		assert.NoError(t, err)
	})

	t.Run("global default never clashes with an explicit value", func(t *testing.T) {
		skel := diamond(Defaults{}, Defaults{}, Defaults{InstallPrefix: "/opt"}, Defaults{})
		cfgs, err := Propagate(Request{}, skel)
		require.NoError(t, err)
		assert.Equal(t, DefaultInstallPrefix, cfgs[1].InstallPrefix)
		assert.Equal(t, "/opt", cfgs[3].InstallPrefix)

		skel = diamond(Defaults{}, Defaults{BuildType: "Debug"}, Defaults{}, Defaults{})
		cfgs, err = Propagate(Request{}, skel)
		require.NoError(t, err)
		assert.Equal(t, DefaultBuildType, cfgs[2].BuildType)
		assert.Equal(t, "Debug", cfgs[3].BuildType)
	})

	t.Run("explicit requests conflict even over a default", func(t *testing.T) {
		skel := diamond(Defaults{}, Defaults{}, Defaults{}, Defaults{InstallPrefix: "/usr"})
		skel.Nodes[1].Deps[0].InstallPrefix = "/opt/a"
		skel.Nodes[2].Deps[0].InstallPrefix = "/opt/b"
		_, err := Propagate(Request{}, skel)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, FieldInstallPrefix, conflict.Field)
	})

	t.Run("root override removes the conflict", func(t *testing.T) {
		skel := diamond(Defaults{}, Defaults{BuildType: "Debug"}, Defaults{BuildType: "Release"}, Defaults{})
		cfgs, err := Propagate(Request{BuildType: "Debug"}, skel)
		require.NoError(t, err)
		assert.Equal(t, "Debug", cfgs[3].BuildType)
	})
}

func TestPropagateFeaturesAndArgs(t *testing.T) {
	skel := diamond(
		Defaults{Features: []string{"ssl"}, Args: []string{"-DAPP=1"}},
		Defaults{Features: []string{"zlib"}},
		Defaults{},
		Defaults{Features: []string{"threads"}, Args: []string{"-DS_SHARED=ON"}},
	)
	skel.Nodes[2].Deps[0].Forward = []string{"simd", "threads"}

	cfgs, err := Propagate(Request{Args: []string{"-DROOT=1"}, Features: []string{"cli"}, Verbose: true}, skel)
	require.NoError(t, err)

	assert.Equal(t, []string{"cli", "ssl"}, cfgs[0].Features)
	assert.Equal(t, []string{"-DAPP=1", "-DROOT=1"}, cfgs[0].Args)
	assert.Equal(t, []string{"zlib"}, cfgs[1].Features, "features never flow down implicitly")
	assert.Empty(t, cfgs[2].Features)
	assert.Equal(t, []string{"simd", "threads"}, cfgs[3].Features)
	assert.Equal(t, []string{"-DS_SHARED=ON"}, cfgs[3].Args)
	assert.True(t, cfgs[3].HasFeature("simd"))
	assert.False(t, cfgs[3].HasFeature("ssl"))
	for _, c := range cfgs {
		assert.True(t, c.Verbose)
	}
}

func TestPropagateIsIdempotent(t *testing.T) {
	skel := diamond(Defaults{BuildType: "Debug", Features: []string{"x"}}, Defaults{}, Defaults{InstallPrefix: "/opt"}, Defaults{})
	req := Request{Args: []string{"-DFOO=1"}}

	first, err := Propagate(req, skel)
	require.NoError(t, err)
	second, err := Propagate(req, skel)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("propagate is not idempotent (-first +second):\n%s", diff)
	}
	for i := range first {
		assert.Equal(t, first[i].Hash(), second[i].Hash())
	}
}

func TestLeavesFirst(t *testing.T) {
	skel := diamond(Defaults{}, Defaults{}, Defaults{}, Defaults{})
	order, err := LeavesFirst(skel)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 2, 0}, order)

	skel.Nodes[3].Deps = []Edge{{To: 0}}
	_, err = LeavesFirst(skel)
	assert.ErrorContains(t, err, "cycle detected")
}

func TestHash(t *testing.T) {
	a := Configuration{BuildType: "Release", InstallPrefix: "/usr/local", Args: []string{"-DA=1", "-DB=2"}}
	b := a
	b.Args = []string{"-DB=2", "-DA=1"}

	assert.Len(t, a.Hash(), 64)
	assert.Equal(t, a.Hash(), Configuration{BuildType: "Release", InstallPrefix: "/usr/local", Args: []string{"-DA=1", "-DB=2"}}.Hash())
	assert.NotEqual(t, a.Hash(), b.Hash(), "argument order is significant")
	assert.Len(t, a.ShortHash(), 12)

	// quoting keeps "a b" distinct from "a", "b"
	c := Configuration{Args: []string{"a b"}}
	d := Configuration{Args: []string{"a", "b"}}
	assert.NotEqual(t, c.Hash(), d.Hash())
}
