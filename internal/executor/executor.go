// Package executor walks a resolved plan and turns every node into a cached
// artifact, building only what the cache cannot already supply.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"abiforge/internal/cache"
	"abiforge/internal/metrics"
	"abiforge/internal/proc"
	"abiforge/internal/resolve"
	"abiforge/internal/toolchain"
)

// ArtifactCache is what the executor needs from the artifact cache.
type ArtifactCache interface {
	FindCompatible(ctx context.Context, q cache.Query) (cache.Entry, bool, error)
	Store(ctx context.Context, key cache.Key, artifactPath string) (cache.Entry, bool, error)
	Fetch(ctx context.Context, e cache.Entry, dest string) error
}

// Executor runs plans. One Executor may serve several concurrent Execute
// calls; builds of the same cache key are serialized across them.
type Executor struct {
	Runner   proc.Runner
	Cache    ArtifactCache
	Identity toolchain.Identity
	// Jobs is the number of nodes built concurrently.
	Jobs int
	// BuildJobs is the parallelism handed to each build tool.
	BuildJobs int
	WorkDir   string
	Logger    zerolog.Logger
	// OnStateChange, when set, observes every transition. It is called from
	// worker goroutines and must not block.
	OnStateChange func(node int, name string, s State)

	flights singleflight.Group
}

type nodeResult struct {
	node    int
	entry   cache.Entry
	hit     bool
	logPath string
	err     error
}

type dependency struct {
	name  string
	entry cache.Entry
}

// run is the state of one Execute call.
type run struct {
	e      *Executor
	plan   *resolve.Plan
	jobs   int
	logDir string

	mu      sync.Mutex
	results []Result

	pending    []int
	running    map[int]time.Time
	resultChan chan nodeResult
}

// Execute builds every node of plan in dependency order. A node is started
// only once all its dependencies are Cached; a failure fails every dependent
// without running anything for it, while unrelated nodes continue.
//
// The returned error is Report.Err(): nil only if every node ended Cached.
func (e *Executor) Execute(ctx context.Context, plan *resolve.Plan) (*Report, error) {
	if plan == nil {
		return nil, errors.New("nil build plan")
	}
	if e.Runner == nil || e.Cache == nil {
		return nil, errors.New("executor requires a runner and a cache")
	}
	logDir := filepath.Join(e.WorkDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	r := &run{
		e:          e,
		plan:       plan,
		jobs:       max(e.Jobs, 1),
		logDir:     logDir,
		results:    make([]Result, len(plan.Nodes)),
		pending:    plan.Order(),
		running:    make(map[int]time.Time),
		resultChan: make(chan nodeResult, len(plan.Nodes)),
	}
	for i, n := range plan.Nodes {
		r.results[i] = Result{Node: i, Name: n.Name, Version: n.Version.String(), State: Pending}
	}

	r.loop(ctx)
	report := &Report{Results: r.results}
	return report, report.Err()
}

func (r *run) loop(ctx context.Context) {
	for len(r.pending) > 0 || len(r.running) > 0 {
		var next []int
		for _, i := range r.pending {
			if dep, failed := r.failedDependency(i); failed {
				r.finish(nodeResult{node: i, err: fmt.Errorf("%w: %s", ErrUpstreamFailed, dep)})
				continue
			}
			if err := ctx.Err(); err != nil {
				r.finish(nodeResult{node: i, err: fmt.Errorf("not started: %w", err)})
				continue
			}
			if len(r.running) < r.jobs && r.canBuild(i) {
				r.start(ctx, i)
				continue
			}
			next = append(next, i)
		}
		r.pending = next

		if len(r.running) == 0 {
			// only reachable with a plan whose order is not topological
			for _, i := range r.pending {
				r.finish(nodeResult{node: i, err: errors.New("dependencies can never be satisfied")})
			}
			r.pending = nil
			break
		}

		res := <-r.resultChan
		r.finish(res)
	}
}

func (r *run) state(i int) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[i].State
}

func (r *run) set(i int, s State) {
	r.mu.Lock()
	r.results[i].State = s
	name := r.results[i].Name
	r.mu.Unlock()

	r.e.Logger.Debug().Str("package", name).Str("state", s.String()).Msg("state change")
	if r.e.OnStateChange != nil {
		r.e.OnStateChange(i, name, s)
	}
}

func (r *run) canBuild(i int) bool {
	for _, d := range r.plan.Nodes[i].Deps {
		if r.state(d) != Cached {
			return false
		}
	}
	return true
}

func (r *run) failedDependency(i int) (string, bool) {
	for _, d := range r.plan.Nodes[i].Deps {
		if r.state(d) == Failed {
			return r.plan.Nodes[d].Name, true
		}
	}
	return "", false
}

// dependencies returns the cached artifacts of every transitive dependency
// of node i, nearest first.
func (r *run) dependencies(i int) []dependency {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[int]bool{i: true}
	queue := append([]int(nil), r.plan.Nodes[i].Deps...)
	var out []dependency
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		if seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, dependency{name: r.plan.Nodes[d].Name, entry: r.results[d].Entry})
		queue = append(queue, r.plan.Nodes[d].Deps...)
	}
	return out
}

func (r *run) start(ctx context.Context, i int) {
	r.running[i] = time.Now()
	deps := r.dependencies(i)
	go func() {
		res := r.e.process(ctx, r, i, deps)
		res.node = i
		r.resultChan <- res
	}()
}

func (r *run) finish(res nodeResult) {
	i := res.node
	var elapsed time.Duration
	if started, ok := r.running[i]; ok {
		elapsed = time.Since(started)
		delete(r.running, i)
	}

	state := Cached
	if res.err != nil {
		state = Failed
	}
	r.mu.Lock()
	out := &r.results[i]
	out.Err = res.err
	out.Duration = elapsed
	out.Entry = res.entry
	out.Hit = res.hit
	out.LogPath = res.logPath
	r.mu.Unlock()
	r.set(i, state)

	metrics.PackageBuilds.WithLabelValues(state.String()).Inc()
	log := r.e.Logger
	switch {
	case res.err != nil && errors.Is(res.err, ErrUpstreamFailed):
		log.Warn().Str("package", out.Name).Err(res.err).Msg("skipped")
	case res.err != nil:
		log.Error().Str("package", out.Name).Err(res.err).Msg("build failed")
	case res.hit:
		log.Info().Str("package", out.Name).Str("location", res.entry.Location).Msg("using cached artifact")
	default:
		log.Info().Str("package", out.Name).Dur("took", elapsed).Msg("built")
	}
}

// process takes one node from Pending to a terminal result.
func (e *Executor) process(ctx context.Context, r *run, i int, deps []dependency) nodeResult {
	n := &r.plan.Nodes[i]
	key := r.plan.Key(i)

	q := cache.Query{Package: n.Name, Version: n.Version.String(), Fingerprint: n.Fingerprint, ConfigHash: key.ConfigHash}
	if entry, ok, err := e.Cache.FindCompatible(ctx, q); err != nil {
		e.Logger.Warn().Err(err).Str("package", n.Name).Msg("cache lookup failed, building")
	} else if ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return nodeResult{entry: entry, hit: true}
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	if n.Manifest.Build.NeedsCompiler() && !e.Identity.Known() {
		return nodeResult{err: fmt.Errorf("%s: %w", n.Name, ErrNoToolchain)}
	}
	if n.Manifest.Source == "" {
		return nodeResult{err: fmt.Errorf("%s: no source directory", n.Name)}
	}

	r.set(i, Resolving)
	logName := strings.ReplaceAll(n.Name, string(os.PathSeparator), "_") + "-" + n.Version.String() + ".log"
	logPath := filepath.Join(r.logDir, logName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return nodeResult{err: fmt.Errorf("failed to create build log: %w", err)}
	}

	var entry cache.Entry
	err = proc.WithTempDir(e.WorkDir, "build-*", func(dir string) error {
		w := &workspace{
			node:  n,
			root:  dir,
			src:   n.Manifest.Source,
			build: filepath.Join(dir, "build"),
			stage: filepath.Join(dir, "stage"),
			log:   logFile,
			set:   func(s State) { r.set(i, s) },
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, d := range deps {
			dest := filepath.Join(dir, "deps", d.name)
			w.deps = append(w.deps, dest)
			g.Go(func() error { return e.Cache.Fetch(gctx, d.entry, dest) })
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("%s: failed to fetch dependencies: %w", n.Name, err)
		}

		r.set(i, ConfigurePending)
		v, err, _ := e.flights.Do(key.String(), func() (any, error) {
			return e.buildAndStore(ctx, w, key)
		})
		if err != nil {
			return err
		}
		entry = v.(cache.Entry)
		return nil
	})
	logFile.Close()

	if err != nil {
		kept := logPath + ".xz"
		if cerr := compressXZ(logPath, kept); cerr != nil {
			e.Logger.Warn().Err(cerr).Str("log", logPath).Msg("failed to compress build log")
			kept = logPath
		} else {
			os.Remove(logPath)
		}
		var tf *ToolFailureError
		if errors.As(err, &tf) {
			tf.LogPath = kept
		}
		return nodeResult{err: err, logPath: kept}
	}
	os.Remove(logPath)
	return nodeResult{entry: entry}
}

func (e *Executor) buildAndStore(ctx context.Context, w *workspace, key cache.Key) (cache.Entry, error) {
	for _, d := range []string{w.build, w.stage} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return cache.Entry{}, err
		}
	}
	if err := e.runBuildSystem(ctx, w); err != nil {
		return cache.Entry{}, err
	}
	if err := ctx.Err(); err != nil {
		return cache.Entry{}, fmt.Errorf("%s: build aborted: %w", w.node.Name, err)
	}

	record, err := json.MarshalIndent(w.node.Fingerprint.Record(), "", "  ")
	if err != nil {
		return cache.Entry{}, err
	}
	artifact := filepath.Join(w.root, "artifact"+cache.ArtifactExt)
	if err := cache.PackFile(w.stage, artifact, map[string][]byte{"abi.json": record}); err != nil {
		return cache.Entry{}, fmt.Errorf("%s: failed to pack artifact: %w", w.node.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return cache.Entry{}, fmt.Errorf("%s: build aborted: %w", w.node.Name, err)
	}

	entry, won, err := e.Cache.Store(ctx, key, artifact)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("%s: failed to store artifact: %w", w.node.Name, err)
	}
	if !won {
		e.Logger.Info().Str("package", w.node.Name).Msg("another build stored this artifact first")
	}
	return entry, nil
}
