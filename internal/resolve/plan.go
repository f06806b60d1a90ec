package resolve

import (
	"sort"

	"abiforge/internal/abi"
	"abiforge/internal/buildcfg"
	"abiforge/internal/cache"
	"abiforge/internal/semver"
)

// Node is one package version in a resolved plan. Deps holds indices into
// Plan.Nodes.
type Node struct {
	ID          int
	Name        string
	Version     semver.Version
	Manifest    *Manifest
	Deps        []int
	Config      buildcfg.Configuration
	Fingerprint abi.Fingerprint
}

// Plan is the validated output of resolution. Nodes are stored in an arena
// and refer to each other by index, so shared dependencies appear once.
type Plan struct {
	Nodes []Node
	Roots []int

	order      []int
	dependents [][]int
	byName     map[string]int
}

func (p *Plan) index() {
	p.byName = make(map[string]int, len(p.Nodes))
	p.dependents = make([][]int, len(p.Nodes))
	for i, n := range p.Nodes {
		p.byName[n.Name] = i
		for _, d := range n.Deps {
			p.dependents[d] = append(p.dependents[d], i)
		}
	}

	// Kahn's algorithm, lowest index first among ready nodes
	pending := make([]int, len(p.Nodes))
	var ready []int
	for i, n := range p.Nodes {
		pending[i] = len(n.Deps)
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}
	p.order = make([]int, 0, len(p.Nodes))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		p.order = append(p.order, i)
		for _, d := range p.dependents[i] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
}

// Order returns node indices with every dependency before its dependents.
func (p *Plan) Order() []int {
	if p.order == nil {
		p.index()
	}
	return append([]int(nil), p.order...)
}

// Dependents returns the nodes that depend directly on node i.
func (p *Plan) Dependents(i int) []int {
	if p.dependents == nil {
		p.index()
	}
	return p.dependents[i]
}

// Lookup finds a node by package name.
func (p *Plan) Lookup(name string) (*Node, bool) {
	if p.byName == nil {
		p.index()
	}
	i, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return &p.Nodes[i], true
}

// Key is the cache key node i is stored under.
func (p *Plan) Key(i int) cache.Key {
	n := p.Nodes[i]
	return cache.NewKey(n.Name, n.Version.String(), n.Fingerprint, n.Config.Hash())
}
