// Package index loads the local package index: a YAML file listing every
// available version of every package together with its build declarations.
//
//	packages:
//	  fmt:
//	    - version: 10.2.1
//	      build: cmake
//	      source: src/fmt-10.2.1
//	      std: {min: c++11, max: c++23}
//	      defaults: {build_type: Release, features: [shared]}
//	      depends:
//	        - zlib@^1.2
//	        - {name: spdlog, constraint: ">=1.12", features: [fmt-external]}
package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"abiforge/internal/abi"
	"abiforge/internal/buildcfg"
	"abiforge/internal/resolve"
	"abiforge/internal/semver"
)

type rawIndex struct {
	Packages map[string][]rawVersion `yaml:"packages"`
}

type rawVersion struct {
	Version  string          `yaml:"version"`
	Build    string          `yaml:"build"`
	Source   string          `yaml:"source"`
	Script   string          `yaml:"script"`
	Std      rawStd          `yaml:"std"`
	Defaults rawDefaults     `yaml:"defaults"`
	Depends  []rawDependency `yaml:"depends"`
}

type rawStd struct {
	Min string `yaml:"min"`
	Max string `yaml:"max"`
}

type rawDefaults struct {
	BuildType string   `yaml:"build_type"`
	Prefix    string   `yaml:"prefix"`
	Args      []string `yaml:"args"`
	Features  []string `yaml:"features"`
}

type rawDependency struct {
	Name       string   `yaml:"name"`
	Constraint string   `yaml:"constraint"`
	Features   []string `yaml:"features"`
	BuildType  string   `yaml:"build_type"`
	Prefix     string   `yaml:"prefix"`
}

// UnmarshalYAML accepts either a mapping or the short "name@constraint"
// scalar form.
func (d *rawDependency) UnmarshalYAML(bs []byte) error {
	var short string
	if err := yaml.Unmarshal(bs, &short); err == nil && short != "" {
		name, constraint, _ := strings.Cut(short, "@")
		*d = rawDependency{Name: strings.TrimSpace(name), Constraint: strings.TrimSpace(constraint)}
		return nil
	}
	type plain rawDependency
	var raw plain
	if err := yaml.Unmarshal(bs, &raw); err != nil {
		return fmt.Errorf("failed to decode dependency: %w", err)
	}
	*d = rawDependency(raw)
	return nil
}

// Index is an in-memory package index. It implements resolve.Provider.
type Index struct {
	path     string
	packages map[string][]*resolve.Manifest
}

// Load reads and validates the index file at path. Relative source
// directories are resolved against the file's directory.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read package index: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	idx, err := Parse(data, filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	idx.path = abs
	return idx, nil
}

// Parse decodes an index document.
func Parse(data []byte, baseDir string) (*Index, error) {
	var raw rawIndex
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode package index: %w", err)
	}

	idx := &Index{packages: make(map[string][]*resolve.Manifest, len(raw.Packages))}
	for name, versions := range raw.Packages {
		seen := make(map[string]bool, len(versions))
		for _, rv := range versions {
			m, err := convert(name, rv, baseDir)
			if err != nil {
				return nil, err
			}
			v := m.Version.String()
			if seen[v] {
				return nil, fmt.Errorf("package %s: duplicate version %s", name, v)
			}
			seen[v] = true
			idx.packages[name] = append(idx.packages[name], m)
		}
	}
	return idx, nil
}

func convert(name string, rv rawVersion, baseDir string) (*resolve.Manifest, error) {
	where := name + "@" + rv.Version
	v, err := semver.ParseVersion(rv.Version)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", name, err)
	}
	build, err := resolve.ParseBuildSystem(rv.Build)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}
	if build == resolve.Custom && strings.TrimSpace(rv.Script) == "" {
		return nil, fmt.Errorf("%s: custom build requires a script", where)
	}

	stdMin, stdMax := abi.Std98, abi.Std23
	if rv.Std.Min != "" {
		if stdMin, err = abi.ParseStd(rv.Std.Min); err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
	}
	if rv.Std.Max != "" {
		if stdMax, err = abi.ParseStd(rv.Std.Max); err != nil {
			return nil, fmt.Errorf("%s: %w", where, err)
		}
	}
	if stdMin > stdMax {
		return nil, fmt.Errorf("%s: std min %s is above max %s", where, stdMin, stdMax)
	}

	source := rv.Source
	if source != "" && !filepath.IsAbs(source) {
		source = filepath.Join(baseDir, source)
	}

	m := &resolve.Manifest{
		Name:    name,
		Version: v,
		Build:   build,
		Script:  rv.Script,
		Source:  source,
		StdMin:  stdMin,
		StdMax:  stdMax,
		Defaults: buildcfg.Defaults{
			BuildType:     rv.Defaults.BuildType,
			InstallPrefix: rv.Defaults.Prefix,
			Args:          rv.Defaults.Args,
			Features:      rv.Defaults.Features,
		},
	}
	for _, d := range rv.Depends {
		if d.Name == "" {
			return nil, fmt.Errorf("%s: dependency without a name", where)
		}
		if d.Name == name {
			return nil, fmt.Errorf("%s: package depends on itself", where)
		}
		c, err := semver.ParseConstraint(d.Constraint)
		if err != nil {
			return nil, fmt.Errorf("%s: dependency %s: %w", where, d.Name, err)
		}
		m.Deps = append(m.Deps, resolve.Dependency{
			Name:          d.Name,
			Constraint:    c,
			Features:      d.Features,
			BuildType:     d.BuildType,
			InstallPrefix: d.Prefix,
		})
	}
	return m, nil
}

// Path is the absolute path the index was loaded from, if any.
func (x *Index) Path() string { return x.path }

// Names lists every package in the index, sorted.
func (x *Index) Names() []string {
	names := make([]string, 0, len(x.packages))
	for n := range x.packages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (x *Index) Candidates(_ context.Context, name string, c semver.Constraint) ([]semver.Version, error) {
	ms, ok := x.packages[name]
	if !ok {
		return nil, fmt.Errorf("package %s not found in index", name)
	}
	var out []semver.Version
	for _, m := range ms {
		if semver.Satisfies(m.Version, c) {
			out = append(out, m.Version)
		}
	}
	semver.SortDescending(out)
	return out, nil
}

func (x *Index) Manifest(_ context.Context, name string, v semver.Version) (*resolve.Manifest, error) {
	for _, m := range x.packages[name] {
		if m.Version.String() == v.String() {
			return m, nil
		}
	}
	return nil, fmt.Errorf("package %s@%s not found in index", name, v)
}

var _ resolve.Provider = (*Index)(nil)
