package resolve

import (
	"context"
	"fmt"
	"strings"

	"abiforge/internal/abi"
	"abiforge/internal/buildcfg"
	"abiforge/internal/semver"
)

// BuildSystem selects how a package version is configured and built.
type BuildSystem string

const (
	CMake      BuildSystem = "cmake"
	HeaderOnly BuildSystem = "header-only"
	Custom     BuildSystem = "custom"
)

// ParseBuildSystem defaults an empty value to CMake.
func ParseBuildSystem(s string) (BuildSystem, error) {
	switch bs := BuildSystem(strings.ToLower(strings.TrimSpace(s))); bs {
	case "":
		return CMake, nil
	case CMake, HeaderOnly, Custom:
		return bs, nil
	}
	return "", fmt.Errorf("unknown build system %q", s)
}

// NeedsCompiler reports whether building runs the host compiler.
func (b BuildSystem) NeedsCompiler() bool { return b != HeaderOnly }

// Dependency is one entry of a manifest's dependency list.
type Dependency struct {
	Name       string
	Constraint semver.Constraint
	// Features are forwarded to the dependency.
	Features []string
	// BuildType and InstallPrefix, when set, are explicit requests for the
	// dependency's configuration.
	BuildType     string
	InstallPrefix string
}

// Manifest describes one version of a package.
type Manifest struct {
	Name     string
	Version  semver.Version
	Build    BuildSystem
	Script   string // custom build systems only
	Source   string // local source directory
	StdMin   abi.Std
	StdMax   abi.Std
	Defaults buildcfg.Defaults
	Deps     []Dependency
}

// SupportsStd reports whether the package can be compiled at std.
func (m *Manifest) SupportsStd(std abi.Std) bool {
	return std >= m.StdMin && std <= m.StdMax
}

// Provider is the version oracle: it knows which versions exist and what
// each declares.
type Provider interface {
	// Candidates returns the available versions matching c.
	Candidates(ctx context.Context, name string, c semver.Constraint) ([]semver.Version, error)
	Manifest(ctx context.Context, name string, v semver.Version) (*Manifest, error)
}

// Request is one package the user asked for.
type Request struct {
	Name       string
	Constraint semver.Constraint
}

func (r Request) String() string {
	return r.Name + "@" + r.Constraint.String()
}

// ParseRequest parses "name" or "name@constraint".
func ParseRequest(s string) (Request, error) {
	name, raw, _ := strings.Cut(strings.TrimSpace(s), "@")
	if name == "" {
		return Request{}, fmt.Errorf("invalid package request %q", s)
	}
	c, err := semver.ParseConstraint(raw)
	if err != nil {
		return Request{}, err
	}
	return Request{Name: name, Constraint: c}, nil
}
