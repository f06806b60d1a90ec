// Package cli is the abiforge command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gookit/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"abiforge/internal/abi"
	"abiforge/internal/cache"
	"abiforge/internal/config"
	"abiforge/internal/index"
	"abiforge/internal/logging"
	"abiforge/internal/metrics"
	"abiforge/internal/proc"
	"abiforge/internal/resolve"
	"abiforge/internal/toolchain"
)

// Main is the entrypoint for cmd/abiforge.
func Main() {
	ctx, stop := signalContext()
	defer stop()

	if err := NewRootCommand(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		status(os.Stderr, colError, "%v", err)
		stop()
		os.Exit(1)
	}
}

// signalContext cancels on the first SIGINT/SIGTERM so running builds are
// killed and nothing half-built reaches the cache; a second signal exits
// immediately.
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			fmt.Fprintln(os.Stderr)
			status(os.Stderr, color.Danger, "Received %v. Cancelling builds gracefully", sig)
			cancel()
			<-sigs
			status(os.Stderr, color.Danger, "Second interrupt received. Forcing immediate exit.")
			os.Exit(130)
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

type app struct {
	out, errOut io.Writer
	configPath  string

	cfg *config.Config
	log zerolog.Logger

	// runner is replaceable in tests
	runner proc.Runner
}

// flagKeys maps persistent flags onto the config keys they override.
var flagKeys = map[string]string{
	"index":         "ABIFORGE_INDEX",
	"std":           "ABIFORGE_STD",
	"build-type":    "ABIFORGE_BUILD_TYPE",
	"prefix":        "ABIFORGE_PREFIX",
	"jobs":          "ABIFORGE_JOBS",
	"target":        "ABIFORGE_TARGET",
	"cache-backend": "ABIFORGE_CACHE_BACKEND",
	"cache-dir":     "ABIFORGE_CACHE_DIR",
	"work-dir":      "ABIFORGE_WORK_DIR",
	"debug":         "ABIFORGE_DEBUG",
	"log-level":     "ABIFORGE_LOG_LEVEL",
	"metrics-file":  "ABIFORGE_METRICS_FILE",
}

// NewRootCommand builds the command tree writing to out and errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	return newRootCommand(&app{out: out, errOut: errOut})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "abiforge",
		Short:         "ABI-aware build orchestrator for C/C++ packages",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", config.DefaultPath, "configuration file")
	f.String("index", "", "package index file")
	f.String("std", "", "C++ standard of the requested packages (17, c++20, ...)")
	f.String("build-type", "", "build type for every package (overrides package defaults)")
	f.String("prefix", "", "install prefix for every package")
	f.IntP("jobs", "j", 0, "packages built concurrently")
	f.String("target", "", "target platform as <arch>-<os>")
	f.String("cache-backend", "", "artifact cache backend: dir, sqlite, s3 or memory")
	f.String("cache-dir", "", "artifact cache directory")
	f.String("work-dir", "", "directory for build workspaces and logs")
	f.BoolP("debug", "d", false, "verbose logging and verbose builds")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.String("metrics-file", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(
		a.detectCommand(),
		a.planCommand(),
		a.buildCommand(),
		a.cacheCommand(),
		a.inspectCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	explicit := cmd.Flags().Changed("config")
	cfg, err := config.Load(a.configPath, explicit)
	if err != nil {
		return err
	}

	values := cfg.Values
	var changed bool
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			values[key] = f.Value.String()
			changed = true
		}
	})
	if changed {
		if cfg, err = config.Decode(values); err != nil {
			return err
		}
	}

	a.cfg = cfg
	a.log = logging.New(logging.Options{Level: cfg.LogLevel, Debug: cfg.Debug, Output: a.errOut})
	if a.runner == nil {
		a.runner = &proc.ExecRunner{ApplyIdlePriority: cfg.IdlePriority}
	}
	return nil
}

func (a *app) context(cmd *cobra.Command) context.Context {
	return a.log.WithContext(cmd.Context())
}

func (a *app) detect(ctx context.Context) toolchain.Identity {
	return toolchain.NewDetector(a.runner, a.cfg.CompilerOverrides()).Detect(ctx)
}

// openCache wires the configured backend. The returned func releases it.
func (a *app) openCache(ctx context.Context) (*cache.Cache, func(), error) {
	cfg := a.cfg
	var (
		store cache.Store
		blobs cache.Blobs
		done  = func() {}
	)
	switch cfg.CacheBackend {
	case config.BackendDir:
		s, err := cache.NewDirStore(cfg.CacheDir)
		if err != nil {
			return nil, nil, err
		}
		store, blobs = s, &cache.DirBlobs{Root: cfg.CacheDir}
	case config.BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.CacheDir, "index.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, err
		}
		s, err := cache.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		store, blobs = s, &cache.DirBlobs{Root: cfg.CacheDir}
		done = func() { s.Close() }
	case config.BackendS3:
		s, err := cache.NewS3Store(ctx, cfg.S3())
		if err != nil {
			return nil, nil, err
		}
		store, blobs = s, s.Blobs()
	case config.BackendMemory:
		store, blobs = cache.NewMemoryStore(), cache.NewMemoryBlobs()
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}

	c, err := cache.New(store, blobs, cfg.LRUSize)
	if err != nil {
		done()
		return nil, nil, err
	}
	return c, done, nil
}

func (a *app) loadIndex() (*index.Index, error) {
	if a.cfg.Index == "" {
		return nil, errors.New("no package index configured (set ABIFORGE_INDEX or --index)")
	}
	return index.Load(a.cfg.Index)
}

func parseRequests(args []string) ([]resolve.Request, error) {
	reqs := make([]resolve.Request, 0, len(args))
	for _, arg := range args {
		r, err := resolve.ParseRequest(arg)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// resolvePlan detects the toolchain and resolves args against the index.
func (a *app) resolvePlan(ctx context.Context, args []string, c *cache.Cache) (*resolve.Plan, toolchain.Identity, error) {
	id := a.detect(ctx)
	idx, err := a.loadIndex()
	if err != nil {
		return nil, id, err
	}
	reqs, err := parseRequests(args)
	if err != nil {
		return nil, id, err
	}
	std, err := a.cfg.StdLevel()
	if err != nil {
		return nil, id, err
	}
	r := &resolve.Resolver{
		Provider: idx,
		Identity: id,
		Target:   a.cfg.TargetPlatform(),
		Std:      std,
		Config:   a.cfg.Request(),
	}
	if c != nil {
		r.Cache = c
	}
	plan, err := r.Resolve(ctx, reqs)
	return plan, id, err
}

func (a *app) hostFingerprint(id toolchain.Identity, std abi.Std) abi.Fingerprint {
	return abi.New(id, a.cfg.TargetPlatform(), abi.ModeForBuildType(a.cfg.BuildType), std)
}

func (a *app) writeMetrics() {
	if a.cfg.MetricsFile == "" {
		return
	}
	if err := metrics.WriteTextfile(a.cfg.MetricsFile); err != nil {
		a.log.Warn().Err(err).Str("path", a.cfg.MetricsFile).Msg("failed to write metrics")
	}
}
