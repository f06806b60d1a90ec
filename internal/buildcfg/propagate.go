package buildcfg

import (
	"fmt"
	"sort"
	"strings"
)

// Request is what the user asked for at the top of the graph. BuildType and
// InstallPrefix, when set, override every node. Args and Features apply to
// root nodes only.
type Request struct {
	BuildType     string
	InstallPrefix string
	Args          []string
	Verbose       bool
	Features      []string
}

// Defaults are a package's own declared settings. Empty fields are unset.
type Defaults struct {
	BuildType     string
	InstallPrefix string
	Args          []string
	Features      []string
}

// Edge points from a dependent to one of its dependencies. Forward lists
// features the dependent explicitly enables on the dependency; BuildType and
// InstallPrefix are optional explicit requests.
type Edge struct {
	To            int
	Forward       []string
	BuildType     string
	InstallPrefix string
}

// Node is one package in the skeleton.
type Node struct {
	Name     string
	Defaults Defaults
	Deps     []Edge
}

// Skeleton is the dependency graph before configuration: nodes addressed by
// index, plus the indices of the requested roots.
type Skeleton struct {
	Nodes []Node
	Roots []int
}

// ConflictError reports two requesters that disagree on an inheritable
// setting of a shared node.
type ConflictError struct {
	Node   string
	Field  string
	PathA  []string
	ValueA string
	PathB  []string
	ValueB string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("configuration conflict on %s for %s: %s wants %q, %s wants %q",
		e.Field, e.Node,
		strings.Join(e.PathA, " -> "), e.ValueA,
		strings.Join(e.PathB, " -> "), e.ValueB)
}

const (
	FieldBuildType     = "build type"
	FieldInstallPrefix = "install prefix"
)

type incoming struct {
	from int
	edge Edge
}

// Propagate computes the effective configuration of every node in skel.
// The result is indexed like skel.Nodes. It is a pure function of its
// inputs, so calling it twice yields identical configurations.
func Propagate(root Request, skel Skeleton) ([]Configuration, error) {
	order, err := LeavesFirst(skel)
	if err != nil {
		return nil, err
	}

	parents := make([][]incoming, len(skel.Nodes))
	for i, n := range skel.Nodes {
		for _, e := range n.Deps {
			if e.To < 0 || e.To >= len(skel.Nodes) {
				return nil, fmt.Errorf("node %s: dependency index %d out of range", n.Name, e.To)
			}
			parents[e.To] = append(parents[e.To], incoming{from: i, edge: e})
		}
	}
	isRoot := make(map[int]bool, len(skel.Roots))
	for _, r := range skel.Roots {
		isRoot[r] = true
	}
	paths := RootPaths(skel)

	out := make([]Configuration, len(skel.Nodes))
	// explicit values only; a node that fell back to the global default
	// passes nothing down, so it cannot clash with a sibling's choice
	explicitBT := make([]string, len(skel.Nodes))
	explicitPrefix := make([]string, len(skel.Nodes))
	// Inherited values flow from requester to dependency, so fill parents
	// before children by walking the leaves-first order backwards.
	for k := len(order) - 1; k >= 0; k-- {
		i := order[k]
		n := skel.Nodes[i]

		bt, err := resolveField(FieldBuildType, i, skel, paths, parents[i], explicitBT,
			root.BuildType, n.Defaults.BuildType,
			func(e Edge) string { return e.BuildType })
		if err != nil {
			return nil, err
		}
		prefix, err := resolveField(FieldInstallPrefix, i, skel, paths, parents[i], explicitPrefix,
			root.InstallPrefix, n.Defaults.InstallPrefix,
			func(e Edge) string { return e.InstallPrefix })
		if err != nil {
			return nil, err
		}
		explicitBT[i], explicitPrefix[i] = bt, prefix
		if bt == "" {
			bt = DefaultBuildType
		}
		if prefix == "" {
			prefix = DefaultInstallPrefix
		}

		args := append([]string(nil), n.Defaults.Args...)
		features := [][]string{n.Defaults.Features}
		for _, p := range parents[i] {
			features = append(features, p.edge.Forward)
		}
		if isRoot[i] {
			args = append(args, root.Args...)
			features = append(features, root.Features)
		}

		out[i] = Configuration{
			BuildType:     bt,
			InstallPrefix: prefix,
			Args:          args,
			Verbose:       root.Verbose,
			Features:      normalizeFeatures(features...),
		}
	}
	return out, nil
}

// resolveField applies the precedence root override > explicit edge request
// > package default > inherited from parents. It returns "" when none of
// them set a value, leaving the global default to the caller. inherited
// holds the explicit value each finished node passes to its dependencies.
func resolveField(
	field string,
	node int,
	skel Skeleton,
	paths [][]string,
	parents []incoming,
	inherited []string,
	override, declared string,
	fromEdge func(Edge) string,
) (string, error) {
	if override != "" {
		return override, nil
	}

	pick := func(get func(incoming) string) (string, error) {
		value, owner := "", -1
		for _, p := range parents {
			v := get(p)
			if v == "" {
				continue
			}
			if owner == -1 {
				value, owner = v, p.from
				continue
			}
			if v != value {
				name := skel.Nodes[node].Name
				return "", &ConflictError{
					Node:   name,
					Field:  field,
					PathA:  append(append([]string(nil), paths[owner]...), name),
					ValueA: value,
					PathB:  append(append([]string(nil), paths[p.from]...), name),
					ValueB: v,
				}
			}
		}
		return value, nil
	}

	if v, err := pick(func(p incoming) string { return fromEdge(p.edge) }); err != nil || v != "" {
		return v, err
	}
	if declared != "" {
		return declared, nil
	}
	return pick(func(p incoming) string { return inherited[p.from] })
}

// LeavesFirst returns every node index ordered so that each node appears
// after all of its dependencies. Ties are broken by index.
func LeavesFirst(skel Skeleton) ([]int, error) {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(skel.Nodes))
	order := make([]int, 0, len(skel.Nodes))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("cycle detected involving %s", skel.Nodes[i].Name)
		}
		state[i] = visiting
		deps := make([]int, 0, len(skel.Nodes[i].Deps))
		for _, e := range skel.Nodes[i].Deps {
			deps = append(deps, e.To)
		}
		sort.Ints(deps)
		for _, d := range deps {
			if d < 0 || d >= len(skel.Nodes) {
				return fmt.Errorf("node %s: dependency index %d out of range", skel.Nodes[i].Name, d)
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		state[i] = visited
		order = append(order, i)
		return nil
	}

	for i := range skel.Nodes {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// RootPaths finds, for each node, the first path from a root that reaches
// it in breadth-first order. Unreachable nodes get a path of just their name.
func RootPaths(skel Skeleton) [][]string {
	paths := make([][]string, len(skel.Nodes))
	roots := append([]int(nil), skel.Roots...)
	sort.Ints(roots)

	queue := make([]int, 0, len(skel.Nodes))
	for _, r := range roots {
		if r < 0 || r >= len(skel.Nodes) || paths[r] != nil {
			continue
		}
		paths[r] = []string{skel.Nodes[r].Name}
		queue = append(queue, r)
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, e := range skel.Nodes[i].Deps {
			if e.To < 0 || e.To >= len(skel.Nodes) || paths[e.To] != nil {
				continue
			}
			paths[e.To] = append(append([]string(nil), paths[i]...), skel.Nodes[e.To].Name)
			queue = append(queue, e.To)
		}
	}
	for i := range paths {
		if paths[i] == nil {
			paths[i] = []string{skel.Nodes[i].Name}
		}
	}
	return paths
}
