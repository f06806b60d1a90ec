package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"abiforge/internal/abi"
	"abiforge/internal/buildcfg"
	"abiforge/internal/cache"
	"abiforge/internal/metrics"
	"abiforge/internal/semver"
	"abiforge/internal/toolchain"
)

// maxPasses bounds version selection; each pass only tightens constraints,
// so real graphs settle in two or three.
const maxPasses = 32

var anyVersion = semver.MustParseConstraint("*")

// CompatFinder is the part of the artifact cache the resolver consults to
// break ties in favour of versions that are already built.
type CompatFinder interface {
	FindCompatible(ctx context.Context, q cache.Query) (cache.Entry, bool, error)
}

// Resolver turns package requests into a validated build plan. It is
// single-threaded and holds no state between calls.
type Resolver struct {
	Provider Provider
	Cache    CompatFinder // optional
	Identity toolchain.Identity
	Target   toolchain.Target
	Std      abi.Std
	Config   buildcfg.Request
}

type source struct {
	c    semver.Constraint
	from string
}

func (s source) String() string { return s.c.String() + " (from " + s.from + ")" }

func sourceStrings(ss []source) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.String()
	}
	return out
}

func constraints(ss []source) []semver.Constraint {
	out := make([]semver.Constraint, len(ss))
	for i, s := range ss {
		out[i] = s.c
	}
	return out
}

func mergeSources(a, b []source) []source {
	seen := make(map[string]bool, len(a)+len(b))
	var out []source
	for _, list := range [][]source{a, b} {
		for _, s := range list {
			if k := s.String(); !seen[k] {
				seen[k] = true
				out = append(out, s)
			}
		}
	}
	return out
}

// remediation describes an incompatible edge and what an alternate version
// of the dependency has to provide to fix it.
type remediation struct {
	name        string
	current     semver.Version
	constraints []source
	std         abi.Std
	mode        abi.Mode
	modeWrong   bool
	err         *IncompatibleError
}

type session struct {
	r          *Resolver
	candidates map[string][]semver.Version
	manifests  map[string]*Manifest
	pins       map[string]semver.Version
}

// Resolve computes the build plan for reqs. Configuration conflicts, ABI
// incompatibilities and cycles abort the whole pass; no partial plan is
// returned.
func (r *Resolver) Resolve(ctx context.Context, reqs []Request) (*Plan, error) {
	if r.Provider == nil {
		return nil, errors.New("resolver has no package provider")
	}
	if len(reqs) == 0 {
		return nil, errors.New("no packages requested")
	}
	log := zerolog.Ctx(ctx)
	s := &session{
		r:          r,
		candidates: make(map[string][]semver.Version),
		manifests:  make(map[string]*Manifest),
		pins:       make(map[string]semver.Version),
	}

	for {
		plan, fix, err := s.resolveOnce(ctx, reqs)
		if err != nil {
			metrics.ResolutionErrors.WithLabelValues(errorKind(err)).Inc()
			return nil, err
		}
		if fix == nil {
			log.Debug().Int("nodes", len(plan.Nodes)).Msg("resolved build plan")
			return plan, nil
		}
		// one remediation per package; a second conflict on it is final
		if _, pinned := s.pins[fix.name]; pinned {
			metrics.ResolutionErrors.WithLabelValues("abi").Inc()
			return nil, fix.err
		}
		alt, ok, err := s.alternate(ctx, fix)
		if err != nil {
			return nil, err
		}
		if !ok {
			metrics.ResolutionErrors.WithLabelValues("abi").Inc()
			return nil, fix.err
		}
		log.Info().
			Str("package", fix.name).
			Str("from", fix.current.String()).
			Str("to", alt.String()).
			Str("requires", fix.std.String()).
			Msg("selecting alternate version to satisfy ABI requirements")
		metrics.Remediations.Inc()
		s.pins[fix.name] = alt
	}
}

func errorKind(err error) string {
	var (
		conflict *buildcfg.ConflictError
		cycle    *CycleError
		version  *VersionError
	)
	switch {
	case errors.As(err, &conflict):
		return "configuration"
	case errors.As(err, &cycle):
		return "cycle"
	case errors.As(err, &version):
		return "version"
	}
	return "other"
}

func (s *session) resolveOnce(ctx context.Context, reqs []Request) (*Plan, *remediation, error) {
	selected, cons, err := s.selectVersions(ctx, reqs)
	if err != nil {
		return nil, nil, err
	}
	plan, skel, err := s.buildGraph(ctx, reqs, selected)
	if err != nil {
		return nil, nil, err
	}
	if err := findCycle(plan); err != nil {
		return nil, nil, err
	}
	cfgs, err := buildcfg.Propagate(s.r.Config, skel)
	if err != nil {
		return nil, nil, err
	}
	for i := range plan.Nodes {
		plan.Nodes[i].Config = cfgs[i]
	}
	if fix := s.assignFingerprints(plan, skel, cons); fix != nil {
		return nil, fix, nil
	}
	plan.index()
	return plan, nil, nil
}

func (s *session) available(ctx context.Context, name string) ([]semver.Version, error) {
	if vs, ok := s.candidates[name]; ok {
		return vs, nil
	}
	vs, err := s.r.Provider.Candidates(ctx, name, anyVersion)
	if err != nil {
		return nil, &VersionError{Package: name, Constraints: []string{anyVersion.String()}, Cause: err}
	}
	s.candidates[name] = vs
	return vs, nil
}

func (s *session) manifest(ctx context.Context, name string, v semver.Version) (*Manifest, error) {
	k := name + "@" + v.String()
	if m, ok := s.manifests[k]; ok {
		return m, nil
	}
	m, err := s.r.Provider.Manifest(ctx, name, v)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest for %s: %w", k, err)
	}
	s.manifests[k] = m
	return m, nil
}

// ordered returns the versions of name satisfying every constraint, best
// first: highest precedence, then (among equal precedence) already cached.
func (s *session) ordered(ctx context.Context, name string, cons []source, honorPin bool) ([]semver.Version, error) {
	all, err := s.available(ctx, name)
	if err != nil {
		return nil, err
	}
	pin, pinned := s.pins[name]
	cs := constraints(cons)

	var out []semver.Version
	for _, v := range all {
		if honorPin && pinned && v.String() != pin.String() {
			continue
		}
		if semver.SatisfiesAll(v, cs) {
			out = append(out, v)
		}
	}
	semver.SortDescending(out)
	if s.r.Cache != nil {
		s.preferCached(ctx, name, out)
	}
	return out, nil
}

// preferCached reorders each run of equal-precedence versions so that the
// ones with a compatible cached artifact come first.
func (s *session) preferCached(ctx context.Context, name string, vs []semver.Version) {
	for start := 0; start < len(vs); {
		end := start + 1
		for end < len(vs) && semver.Compare(vs[start], vs[end]) == 0 {
			end++
		}
		if end-start > 1 {
			group := vs[start:end]
			hit := make(map[string]bool, len(group))
			for _, v := range group {
				hit[v.String()] = s.cached(ctx, name, v)
			}
			sort.SliceStable(group, func(i, j int) bool {
				return hit[group[i].String()] && !hit[group[j].String()]
			})
		}
		start = end
	}
}

// cached estimates a version's fingerprint from the request and its own
// declarations and asks the cache for a compatible artifact. The
// configuration is not known before propagation, so the lookup matches on
// fingerprint only and the executor may still miss on the config hash.
func (s *session) cached(ctx context.Context, name string, v semver.Version) bool {
	m, err := s.manifest(ctx, name, v)
	if err != nil {
		return false
	}
	buildType := s.r.Config.BuildType
	if buildType == "" {
		buildType = m.Defaults.BuildType
	}
	std := s.r.Std
	if m.StdMin > std {
		std = m.StdMin
	}
	fp := abi.New(s.r.Identity, s.r.Target, abi.ModeForBuildType(buildType), std)
	_, ok, err := s.r.Cache.FindCompatible(ctx, cache.Query{Package: name, Version: v.String(), Fingerprint: fp})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("package", name).Msg("cache lookup failed during resolution")
		return false
	}
	return ok
}

func (s *session) pick(ctx context.Context, name string, cons []source) (semver.Version, error) {
	vs, err := s.ordered(ctx, name, cons, true)
	if err != nil {
		return semver.Version{}, err
	}
	if len(vs) == 0 {
		return semver.Version{}, &VersionError{Package: name, Constraints: sourceStrings(cons)}
	}
	return vs[0], nil
}

// selectVersions picks one version per reachable package. Each pass walks
// the graph from the requests, choosing the best version under every
// constraint seen so far; it stops once every choice satisfies every
// constraint its requesters impose.
func (s *session) selectVersions(ctx context.Context, reqs []Request) (map[string]semver.Version, map[string][]source, error) {
	var (
		prev    map[string][]source
		lastErr error
	)
	for pass := 0; pass < maxPasses; pass++ {
		cons := make(map[string][]source)
		next := make(map[string]semver.Version)
		seen := make(map[string]bool)
		var queue []string
		enqueue := func(name string) {
			if !seen[name] {
				seen[name] = true
				queue = append(queue, name)
			}
		}
		for _, q := range reqs {
			cons[q.Name] = append(cons[q.Name], source{c: q.Constraint, from: "request"})
			enqueue(q.Name)
		}

		for k := 0; k < len(queue); k++ {
			name := queue[k]
			v, err := s.pick(ctx, name, mergeSources(cons[name], prev[name]))
			if err != nil {
				// constraints carried over from the previous pass may come
				// from versions no longer selected
				if v, err = s.pick(ctx, name, cons[name]); err != nil {
					return nil, nil, err
				}
			}
			next[name] = v
			m, err := s.manifest(ctx, name, v)
			if err != nil {
				return nil, nil, err
			}
			from := name + "@" + v.String()
			for _, d := range m.Deps {
				cons[d.Name] = append(cons[d.Name], source{c: d.Constraint, from: from})
				enqueue(d.Name)
			}
		}

		stable := true
		for _, name := range queue {
			if !semver.SatisfiesAll(next[name], constraints(cons[name])) {
				stable = false
				lastErr = &VersionError{Package: name, Constraints: sourceStrings(cons[name])}
				break
			}
		}
		if stable {
			return next, cons, nil
		}
		prev = cons
	}
	return nil, nil, lastErr
}

func (s *session) buildGraph(ctx context.Context, reqs []Request, selected map[string]semver.Version) (*Plan, buildcfg.Skeleton, error) {
	plan := &Plan{}
	var skel buildcfg.Skeleton
	index := make(map[string]int)

	add := func(name string) (int, error) {
		if i, ok := index[name]; ok {
			return i, nil
		}
		v, ok := selected[name]
		if !ok {
			return 0, fmt.Errorf("no version selected for %s", name)
		}
		m, err := s.manifest(ctx, name, v)
		if err != nil {
			return 0, err
		}
		i := len(plan.Nodes)
		index[name] = i
		plan.Nodes = append(plan.Nodes, Node{ID: i, Name: name, Version: v, Manifest: m})
		skel.Nodes = append(skel.Nodes, buildcfg.Node{Name: name, Defaults: m.Defaults})
		return i, nil
	}

	for _, q := range reqs {
		i, err := add(q.Name)
		if err != nil {
			return nil, skel, err
		}
		if !containsInt(plan.Roots, i) {
			plan.Roots = append(plan.Roots, i)
		}
	}
	for k := 0; k < len(plan.Nodes); k++ {
		for _, d := range plan.Nodes[k].Manifest.Deps {
			j, err := add(d.Name)
			if err != nil {
				return nil, skel, err
			}
			if containsInt(plan.Nodes[k].Deps, j) {
				continue
			}
			plan.Nodes[k].Deps = append(plan.Nodes[k].Deps, j)
			skel.Nodes[k].Deps = append(skel.Nodes[k].Deps, buildcfg.Edge{
				To:            j,
				Forward:       d.Features,
				BuildType:     d.BuildType,
				InstallPrefix: d.InstallPrefix,
			})
		}
	}
	skel.Roots = append([]int(nil), plan.Roots...)
	return plan, skel, nil
}

func containsInt(xs []int, x int) bool {
	for _, y := range xs {
		if y == x {
			return true
		}
	}
	return false
}

// findCycle reports the first cycle reachable in index order.
func findCycle(plan *Plan) error {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(plan.Nodes))
	var stack []int

	var visit func(i int) *CycleError
	visit = func(i int) *CycleError {
		switch state[i] {
		case visited:
			return nil
		case visiting:
			var path []string
			for k := len(stack) - 1; k >= 0; k-- {
				if stack[k] == i {
					for _, j := range stack[k:] {
						path = append(path, plan.Nodes[j].Name)
					}
					break
				}
			}
			return &CycleError{Path: append(path, plan.Nodes[i].Name)}
		}
		state[i] = visiting
		stack = append(stack, i)
		for _, d := range plan.Nodes[i].Deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = visited
		return nil
	}

	for i := range plan.Nodes {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// assignFingerprints gives every node the fingerprint it will be built
// with and checks every edge. A node is built at the highest standard any
// requester needs, capped by what the package supports. The first edge that
// is still incompatible is returned as a remediation candidate.
func (s *session) assignFingerprints(plan *Plan, skel buildcfg.Skeleton, cons map[string][]source) *remediation {
	order, _ := buildcfg.LeavesFirst(skel)
	parents := make([][]int, len(plan.Nodes))
	for i, n := range plan.Nodes {
		for _, d := range n.Deps {
			parents[d] = append(parents[d], i)
		}
	}
	isRoot := make(map[int]bool, len(plan.Roots))
	for _, r := range plan.Roots {
		isRoot[r] = true
	}

	for k := len(order) - 1; k >= 0; k-- {
		i := order[k]
		n := &plan.Nodes[i]
		need := n.Manifest.StdMin
		if isRoot[i] && s.r.Std > need {
			need = s.r.Std
		}
		for _, p := range parents[i] {
			if ps := plan.Nodes[p].Fingerprint.Std; ps > need {
				need = ps
			}
		}
		std := need
		if std > n.Manifest.StdMax {
			std = n.Manifest.StdMax
		}
		n.Fingerprint = abi.New(s.r.Identity, s.r.Target, abi.ModeForBuildType(n.Config.BuildType), std)
	}

	paths := buildcfg.RootPaths(skel)
	withName := func(path []string, name string) []string {
		return append(append([]string(nil), path...), name)
	}

	for _, r := range plan.Roots {
		n := plan.Nodes[r]
		required := n.Fingerprint.WithStd(s.r.Std)
		if abi.IsCompatible(required, n.Fingerprint) {
			continue
		}
		return &remediation{
			name:        n.Name,
			current:     n.Version,
			constraints: cons[n.Name],
			std:         s.r.Std,
			mode:        n.Fingerprint.Mode,
			err: &IncompatibleError{
				Package:      n.Name,
				PathA:        []string{"request", n.Name},
				FingerprintA: required,
				PathB:        paths[r],
				FingerprintB: n.Fingerprint,
			},
		}
	}

	for i, n := range plan.Nodes {
		for _, d := range n.Deps {
			dep := plan.Nodes[d]
			if abi.IsCompatible(n.Fingerprint, dep.Fingerprint) {
				continue
			}
			e := &IncompatibleError{
				Package:      dep.Name,
				PathA:        withName(paths[i], dep.Name),
				FingerprintA: n.Fingerprint,
				PathB:        paths[d],
				FingerprintB: dep.Fingerprint,
			}
			for _, q := range parents[d] {
				if q != i && abi.IsCompatible(plan.Nodes[q].Fingerprint, dep.Fingerprint) {
					e.PathB = withName(paths[q], dep.Name)
					break
				}
			}
			return &remediation{
				name:        dep.Name,
				current:     dep.Version,
				constraints: cons[dep.Name],
				std:         n.Fingerprint.Std,
				mode:        n.Fingerprint.Mode,
				modeWrong:   n.Fingerprint.Mode != dep.Fingerprint.Mode,
				err:         e,
			}
		}
	}
	return nil
}

// alternate looks for another version of the conflicting package within
// every constraint originally placed on it that can be built at the
// required standard (and mode, when the mode was the problem).
func (s *session) alternate(ctx context.Context, fix *remediation) (semver.Version, bool, error) {
	vs, err := s.ordered(ctx, fix.name, fix.constraints, false)
	if err != nil {
		return semver.Version{}, false, err
	}
	for _, v := range vs {
		if v.String() == fix.current.String() {
			continue
		}
		m, err := s.manifest(ctx, fix.name, v)
		if err != nil {
			return semver.Version{}, false, err
		}
		// a higher minimum is fine; the node is raised to it and still
		// serves every consumer at fix.std
		if !m.SupportsStd(max(fix.std, m.StdMin)) {
			continue
		}
		if fix.modeWrong && m.Defaults.BuildType != "" && abi.ModeForBuildType(m.Defaults.BuildType) != fix.mode {
			continue
		}
		return v, true, nil
	}
	return semver.Version{}, false, nil
}
