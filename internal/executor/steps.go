package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"abiforge/internal/metrics"
	"abiforge/internal/proc"
	"abiforge/internal/resolve"
)

// workspace is the scoped directory layout of one node's build.
type workspace struct {
	node  *resolve.Node
	root  string
	src   string
	build string
	stage string
	deps  []string // extracted dependency prefixes, closest first
	log   io.Writer
	set   func(State)
}

func (e *Executor) step(ctx context.Context, w *workspace, step string, cmd proc.Command) error {
	cmd.Stdout = w.log
	fmt.Fprintf(w.log, "==> %s\n", cmd)

	start := time.Now()
	res, err := e.Runner.Run(ctx, cmd)
	metrics.PhaseDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s: %s: %w", w.node.Name, step, err)
	}
	if !res.Success() {
		return &ToolFailureError{
			Package:    w.node.Name,
			Step:       step,
			ExitCode:   res.ExitCode,
			Diagnostic: lastLines(res.Diagnostic(), 20),
		}
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

var featureSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// featureDefine turns a feature name into the cache variable passed to
// CMake, e.g. "with-ssl" becomes FEATURE_WITH_SSL.
func featureDefine(f string) string {
	return "FEATURE_" + strings.ToUpper(featureSanitizer.ReplaceAllString(f, "_"))
}

func stdNumber(w *workspace) string {
	return fmt.Sprintf("%02d", w.node.Fingerprint.Std.Year())
}

func (e *Executor) parallelism() int {
	if e.BuildJobs > 0 {
		return e.BuildJobs
	}
	return 1
}

// runBuildSystem configures, builds and installs w.node into w.stage.
func (e *Executor) runBuildSystem(ctx context.Context, w *workspace) error {
	switch w.node.Manifest.Build {
	case resolve.CMake:
		return e.cmake(ctx, w)
	case resolve.HeaderOnly:
		return e.headerOnly(w)
	case resolve.Custom:
		return e.custom(ctx, w)
	}
	return fmt.Errorf("%s: unsupported build system %q", w.node.Name, w.node.Manifest.Build)
}

func (e *Executor) cmake(ctx context.Context, w *workspace) error {
	cfg := w.node.Config
	args := []string{
		"-S", w.src,
		"-B", w.build,
		"-DCMAKE_BUILD_TYPE=" + cfg.BuildType,
		"-DCMAKE_INSTALL_PREFIX=" + cfg.InstallPrefix,
		"-DCMAKE_CXX_STANDARD=" + stdNumber(w),
		"-DCMAKE_CXX_STANDARD_REQUIRED=ON",
	}
	if len(w.deps) > 0 {
		args = append(args, "-DCMAKE_PREFIX_PATH="+strings.Join(w.deps, ";"))
	}
	if e.Identity.Path != "" {
		args = append(args, "-DCMAKE_CXX_COMPILER="+e.Identity.Path)
	}
	if cfg.Verbose {
		args = append(args, "-DCMAKE_VERBOSE_MAKEFILE=ON")
	}
	for _, f := range cfg.Features {
		args = append(args, "-D"+featureDefine(f)+"=ON")
	}
	args = append(args, cfg.Args...)

	w.set(Configuring)
	if err := e.step(ctx, w, "configure", proc.Command{Name: "cmake", Args: args, Dir: w.root}); err != nil {
		return err
	}

	w.set(Building)
	build := []string{"--build", w.build, "--parallel", strconv.Itoa(e.parallelism())}
	if cfg.Verbose {
		build = append(build, "--verbose")
	}
	if err := e.step(ctx, w, "build", proc.Command{Name: "cmake", Args: build, Dir: w.root}); err != nil {
		return err
	}

	w.set(Installing)
	install := []string{"--install", w.build, "--prefix", w.stage}
	return e.step(ctx, w, "install", proc.Command{Name: "cmake", Args: install, Dir: w.root})
}

func (e *Executor) headerOnly(w *workspace) error {
	w.set(Installing)
	include := filepath.Join(w.src, "include")
	if _, err := os.Stat(include); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: header-only package has no include directory", w.node.Name)
		}
		return err
	}
	fmt.Fprintf(w.log, "==> copy %s\n", include)
	return copyDir(include, filepath.Join(w.stage, "include"))
}

// custom runs the package's script from a copy of its source tree.
func (e *Executor) custom(ctx context.Context, w *workspace) error {
	cfg := w.node.Config

	w.set(Configuring)
	if err := copyDir(w.src, w.build); err != nil {
		return fmt.Errorf("%s: failed to stage sources: %w", w.node.Name, err)
	}

	w.set(Building)
	env := []string{
		"PREFIX=" + w.stage,
		"INSTALL_PREFIX=" + cfg.InstallPrefix,
		"BUILD_TYPE=" + cfg.BuildType,
		"CXX_STANDARD=" + stdNumber(w),
		"DEPS_PREFIX=" + strings.Join(w.deps, string(os.PathListSeparator)),
		"FEATURES=" + strings.Join(cfg.Features, " "),
		"MAKEFLAGS=-j" + strconv.Itoa(e.parallelism()),
	}
	if e.Identity.Path != "" {
		env = append(env, "CXX="+e.Identity.Path)
	}
	if cfg.Verbose {
		env = append(env, "VERBOSE=1")
	}
	cmd := proc.Command{
		Name: "sh",
		Args: append([]string{"-c", w.node.Manifest.Script, "build"}, cfg.Args...),
		Dir:  w.build,
		Env:  env,
	}
	if err := e.step(ctx, w, "build", cmd); err != nil {
		return err
	}
	w.set(Installing)
	return nil
}
