package toolchain

import (
	"context"
	"errors"
	"os/exec"
	"regexp"

	"github.com/rs/zerolog"

	"abiforge/internal/proc"
)

// ErrDetectionUnavailable means no compiler answered its version query.
var ErrDetectionUnavailable = errors.New("no compiler toolchain detected")

var versionRe = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// Probe is one compiler the detector tries.
type Probe struct {
	Family  Family
	Command string
	Args    []string
	Stdlib  string
}

// DefaultProbes returns the probes in priority order: GCC, Clang, MSVC.
func DefaultProbes() []Probe {
	return []Probe{
		{Family: GCC, Command: "g++", Args: []string{"--version"}, Stdlib: "libstdc++"},
		{Family: Clang, Command: "clang++", Args: []string{"--version"}, Stdlib: "libc++"},
		{Family: MSVC, Command: "cl.exe", Args: []string{"/?"}, Stdlib: "msvc_stl"},
	}
}

// Detector finds the host compiler.
type Detector struct {
	Runner proc.Runner
	Probes []Probe
	// LookPath resolves a command to an absolute path for Identity.Path.
	// Defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// NewDetector returns a detector over the default probes. Any non-empty
// override replaces the command for that family.
func NewDetector(r proc.Runner, overrides map[Family]string) *Detector {
	probes := DefaultProbes()
	for i := range probes {
		if cmd := overrides[probes[i].Family]; cmd != "" {
			probes[i].Command = cmd
		}
	}
	return &Detector{Runner: r, Probes: probes}
}

// Detect returns the first compiler that answers, or the Unknown identity.
func (d *Detector) Detect(ctx context.Context) Identity {
	id, _ := d.DetectErr(ctx)
	return id
}

// DetectErr is Detect but also reports ErrDetectionUnavailable when it
// falls back to the Unknown identity.
func (d *Detector) DetectErr(ctx context.Context) (Identity, error) {
	log := zerolog.Ctx(ctx)
	probes := d.Probes
	if probes == nil {
		probes = DefaultProbes()
	}
	for _, p := range probes {
		res, err := d.Runner.Run(ctx, proc.Command{Name: p.Command, Args: p.Args})
		if err != nil {
			log.Debug().Str("compiler", p.Command).Err(err).Msg("probe failed")
			continue
		}
		if !res.Success() {
			log.Debug().Str("compiler", p.Command).Int("exit", res.ExitCode).Msg("probe exited non-zero")
			continue
		}
		// cl.exe prints its banner on stderr
		version := parseVersion(res.Stdout)
		if version == "" {
			version = parseVersion(res.Stderr)
		}
		if version == "" {
			log.Debug().Str("compiler", p.Command).Msg("probe output has no version")
			continue
		}
		id := Identity{
			Family:  p.Family,
			Version: version,
			Path:    d.resolvePath(p.Command),
			Stdlib:  p.Stdlib,
		}
		log.Debug().Str("toolchain", id.String()).Msg("detected toolchain")
		return id, nil
	}
	return UnknownIdentity(), ErrDetectionUnavailable
}

func (d *Detector) resolvePath(cmd string) string {
	lookPath := d.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	if p, err := lookPath(cmd); err == nil {
		return p
	}
	return cmd
}

func parseVersion(out string) string {
	return versionRe.FindString(out)
}
