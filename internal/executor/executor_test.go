package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abiforge/internal/abi"
	"abiforge/internal/cache"
	"abiforge/internal/proc"
	"abiforge/internal/resolve"
	"abiforge/internal/semver"
	"abiforge/internal/toolchain"
)

var (
	gcc  = toolchain.Identity{Family: toolchain.GCC, Version: "13.2.0", Path: "/usr/bin/g++", Stdlib: "libstdc++"}
	host = toolchain.Target{Arch: "x86_64", OS: "linux"}
)

type provider map[string]*resolve.Manifest

func (p provider) Candidates(_ context.Context, name string, _ semver.Constraint) ([]semver.Version, error) {
	m, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("unknown package %s", name)
	}
	return []semver.Version{m.Version}, nil
}

func (p provider) Manifest(_ context.Context, name string, _ semver.Version) (*resolve.Manifest, error) {
	return p[name], nil
}

func pkg(t *testing.T, name string, build resolve.BuildSystem, deps ...string) *resolve.Manifest {
	t.Helper()
	m := &resolve.Manifest{
		Name:    name,
		Version: semver.MustParseVersion("1.0.0"),
		Build:   build,
		Source:  t.TempDir(),
		StdMin:  abi.Std11,
		StdMax:  abi.Std23,
	}
	for _, d := range deps {
		m.Deps = append(m.Deps, resolve.Dependency{Name: d, Constraint: semver.MustParseConstraint("*")})
	}
	return m
}

func planFor(t *testing.T, id toolchain.Identity, root string, ms ...*resolve.Manifest) *resolve.Plan {
	t.Helper()
	p := provider{}
	for _, m := range ms {
		p[m.Name] = m
	}
	r := &resolve.Resolver{Provider: p, Identity: id, Target: host, Std: abi.Std17}
	plan, err := r.Resolve(context.Background(), []resolve.Request{{Name: root, Constraint: semver.MustParseConstraint("*")}})
	require.NoError(t, err)
	return plan
}

func newCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(cache.NewMemoryStore(), cache.NewMemoryBlobs(), 0)
	require.NoError(t, err)
	return c
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, flag+"="); ok {
			return v
		}
	}
	return ""
}

// fakeCMake succeeds at every step; install drops a marker file into the
// staging prefix.
func fakeCMake(_ context.Context, cmd proc.Command) (proc.Result, error) {
	if len(cmd.Args) > 0 && cmd.Args[0] == "--install" {
		prefix := argAfter(cmd.Args, "--prefix")
		if err := os.MkdirAll(filepath.Join(prefix, "share"), 0o755); err != nil {
			return proc.Result{}, err
		}
		if err := os.WriteFile(filepath.Join(prefix, "share", "marker.txt"), []byte("ok"), 0o644); err != nil {
			return proc.Result{}, err
		}
	}
	fmt.Fprintln(cmd.Stdout, "ok")
	return proc.Result{}, nil
}

func newExecutor(t *testing.T, r proc.Runner, c ArtifactCache) *Executor {
	return &Executor{Runner: r, Cache: c, Identity: gcc, Jobs: 1, BuildJobs: 4, WorkDir: t.TempDir()}
}

func TestExecuteBuildsInDependencyOrder(t *testing.T) {
	lib := pkg(t, "lib", resolve.CMake)
	app := pkg(t, "app", resolve.CMake, "lib")
	plan := planFor(t, gcc, "app", app, lib)

	var sawDependency bool
	runner := proc.NewFakeRunner().Handle("cmake", func(ctx context.Context, cmd proc.Command) (proc.Result, error) {
		if argAfter(cmd.Args, "-S") == app.Source {
			prefixes := strings.Split(argAfter(cmd.Args, "-DCMAKE_PREFIX_PATH"), ";")
			if assert.Len(t, prefixes, 1) {
				_, err := os.Stat(filepath.Join(prefixes[0], "share", "marker.txt"))
				sawDependency = err == nil
			}
		}
		return fakeCMake(ctx, cmd)
	})
	c := newCache(t)
	e := newExecutor(t, runner, c)

	var mu sync.Mutex
	var transitions []State
	e.OnStateChange = func(_ int, name string, s State) {
		mu.Lock()
		defer mu.Unlock()
		if name == "lib" {
			transitions = append(transitions, s)
		}
	}

	report, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(Cached))
	assert.Len(t, report.Built(), 2)
	assert.True(t, sawDependency)

	calls := runner.Calls()
	require.Len(t, calls, 6)
	assert.Equal(t, lib.Source, argAfter(calls[0].Args, "-S"))
	assert.Equal(t, []string{"--build"}, calls[1].Args[:1])
	assert.Equal(t, "4", argAfter(calls[1].Args, "--parallel"))
	assert.Equal(t, app.Source, argAfter(calls[3].Args, "-S"))
	assert.Equal(t, "Release", argAfter(calls[3].Args, "-DCMAKE_BUILD_TYPE"))
	assert.Equal(t, "/usr/local", argAfter(calls[3].Args, "-DCMAKE_INSTALL_PREFIX"))
	assert.Equal(t, "17", argAfter(calls[3].Args, "-DCMAKE_CXX_STANDARD"))
	assert.Equal(t, "/usr/bin/g++", argAfter(calls[3].Args, "-DCMAKE_CXX_COMPILER"))

	assert.Equal(t, []State{Resolving, ConfigurePending, Configuring, Building, Installing, Cached}, transitions)

	for _, name := range []string{"lib", "app"} {
		es, err := c.List(context.Background(), name, "1.0.0")
		require.NoError(t, err)
		assert.Len(t, es, 1, name)
	}

	logs, err := os.ReadDir(filepath.Join(e.WorkDir, "logs"))
	require.NoError(t, err)
	assert.Empty(t, logs, "successful build logs are removed")
}

func TestExecuteCacheHitSpawnsNothing(t *testing.T) {
	lib := pkg(t, "lib", resolve.CMake)
	app := pkg(t, "app", resolve.CMake, "lib")
	plan := planFor(t, gcc, "app", app, lib)
	c := newCache(t)

	_, err := newExecutor(t, proc.NewFakeRunner().Handle("cmake", fakeCMake), c).Execute(context.Background(), plan)
	require.NoError(t, err)

	idle := proc.NewFakeRunner()
	report, err := newExecutor(t, idle, c).Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Empty(t, idle.Calls())
	for _, res := range report.Results {
		assert.Equal(t, Cached, res.State)
		assert.True(t, res.Hit)
	}
	assert.Empty(t, report.Built())
}

func TestExecuteFailurePropagates(t *testing.T) {
	bad := pkg(t, "bad", resolve.CMake)
	mid := pkg(t, "mid", resolve.CMake, "bad")
	sib := pkg(t, "sib", resolve.CMake)
	app := pkg(t, "app", resolve.CMake, "mid", "sib")
	plan := planFor(t, gcc, "app", app, mid, sib, bad)

	runner := proc.NewFakeRunner().Handle("cmake", func(ctx context.Context, cmd proc.Command) (proc.Result, error) {
		if argAfter(cmd.Args, "-S") == bad.Source {
			fmt.Fprintln(cmd.Stdout, "CMake Error: boom")
			return proc.Result{ExitCode: 1, Stderr: "CMake Error: boom"}, nil
		}
		return fakeCMake(ctx, cmd)
	})
	c := newCache(t)
	e := newExecutor(t, runner, c)
	e.Jobs = 2

	report, err := e.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.ErrorContains(t, err, "boom")

	byName := map[string]Result{}
	for _, res := range report.Results {
		byName[res.Name] = res
	}

	var tf *ToolFailureError
	require.ErrorAs(t, byName["bad"].Err, &tf)
	assert.Equal(t, "configure", tf.Step)
	assert.Equal(t, 1, tf.ExitCode)
	assert.True(t, strings.HasSuffix(tf.LogPath, ".log.xz"))
	assert.FileExists(t, tf.LogPath)

	for _, name := range []string{"mid", "app"} {
		assert.Equal(t, Failed, byName[name].State, name)
		assert.ErrorIs(t, byName[name].Err, ErrUpstreamFailed, name)
	}
	assert.Equal(t, Cached, byName["sib"].State)

	for _, call := range runner.Calls() {
		src := argAfter(call.Args, "-S")
		assert.NotEqual(t, mid.Source, src)
		assert.NotEqual(t, app.Source, src)
	}
	es, err := c.List(context.Background(), "bad", "")
	require.NoError(t, err)
	assert.Empty(t, es)
}

func TestExecuteCancellationStoresNothing(t *testing.T) {
	lib := pkg(t, "lib", resolve.CMake)
	app := pkg(t, "app", resolve.CMake, "lib")
	plan := planFor(t, gcc, "app", app, lib)

	started := make(chan struct{})
	runner := proc.NewFakeRunner().Handle("cmake", func(ctx context.Context, cmd proc.Command) (proc.Result, error) {
		close(started)
		<-ctx.Done()
		return proc.Result{ExitCode: -1}, fmt.Errorf("command aborted: %w", ctx.Err())
	})
	c := newCache(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	report, err := newExecutor(t, runner, c).Execute(ctx, plan)
	require.Error(t, err)

	for _, res := range report.Results {
		assert.Equal(t, Failed, res.State, res.Name)
	}
	lr, _ := plan.Lookup("lib")
	assert.ErrorIs(t, report.Results[lr.ID].Err, context.Canceled)
	assert.Len(t, runner.Calls(), 1)

	for _, name := range []string{"lib", "app"} {
		es, err := c.List(context.Background(), name, "")
		require.NoError(t, err)
		assert.Empty(t, es, name)
	}
}

func TestExecuteUnknownToolchain(t *testing.T) {
	headers := pkg(t, "headers", resolve.HeaderOnly)
	require.NoError(t, os.MkdirAll(filepath.Join(headers.Source, "include", "h"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(headers.Source, "include", "h", "h.hpp"), []byte("#pragma once\n"), 0o644))
	compiled := pkg(t, "compiled", resolve.CMake)

	unknown := toolchain.UnknownIdentity()
	c := newCache(t)
	runner := proc.NewFakeRunner()

	e := newExecutor(t, runner, c)
	e.Identity = unknown

	plan := planFor(t, unknown, "headers", headers)
	report, err := e.Execute(context.Background(), plan)
	require.NoError(t, err)
	res := report.Results[0]
	require.Equal(t, Cached, res.State)
	assert.Empty(t, runner.Calls())

	dest := t.TempDir()
	require.NoError(t, c.Fetch(context.Background(), res.Entry, dest))
	assert.FileExists(t, filepath.Join(dest, "include", "h", "h.hpp"))
	data, err := os.ReadFile(filepath.Join(dest, "abi.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"compiler": "unknown"`)

	plan = planFor(t, unknown, "compiled", compiled)
	report, err = e.Execute(context.Background(), plan)
	require.Error(t, err)
	assert.ErrorIs(t, report.Results[0].Err, ErrNoToolchain)
	assert.Empty(t, runner.Calls())
}

func TestExecuteCustomScript(t *testing.T) {
	tool := pkg(t, "tool", resolve.Custom)
	tool.Script = "make install"
	require.NoError(t, os.WriteFile(filepath.Join(tool.Source, "Makefile"), []byte("install:\n"), 0o644))
	plan := planFor(t, gcc, "tool", tool)

	var env []string
	runner := proc.NewFakeRunner().Handle("sh", func(_ context.Context, cmd proc.Command) (proc.Result, error) {
		env = cmd.Env
		if _, err := os.Stat(filepath.Join(cmd.Dir, "Makefile")); err != nil {
			return proc.Result{ExitCode: 2, Stderr: "no Makefile"}, nil
		}
		assert.Equal(t, []string{"-c", "make install", "build"}, cmd.Args)
		return proc.Result{}, nil
	})

	report, err := newExecutor(t, runner, newCache(t)).Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, Cached, report.Results[0].State)
	assert.Contains(t, env, "BUILD_TYPE=Release")
	assert.Contains(t, env, "CXX_STANDARD=17")
	assert.Contains(t, env, "INSTALL_PREFIX=/usr/local")
	assert.Contains(t, env, "CXX=/usr/bin/g++")
}

func TestReportErr(t *testing.T) {
	r := &Report{Results: []Result{
		{Name: "a", State: Cached},
		{Name: "b", State: Failed, Err: errors.New("exploded")},
		{Name: "c", State: Failed, Err: fmt.Errorf("%w: b", ErrUpstreamFailed)},
	}}
	err := r.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 packages failed")
	assert.Contains(t, err.Error(), "exploded")
	assert.NotContains(t, err.Error(), ErrUpstreamFailed.Error())

	assert.NoError(t, (&Report{Results: []Result{{State: Cached}}}).Err())
}

func TestFeatureDefine(t *testing.T) {
	assert.Equal(t, "FEATURE_WITH_SSL", featureDefine("with-ssl"))
	assert.Equal(t, "FEATURE_SHARED", featureDefine("shared"))
}
