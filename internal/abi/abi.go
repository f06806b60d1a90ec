package abi

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"abiforge/internal/toolchain"
)

// Mode is the build mode as far as the binary interface is concerned.
type Mode int

const (
	Release Mode = iota
	Debug
)

func (m Mode) String() string {
	if m == Debug {
		return "Debug"
	}
	return "Release"
}

// ParseMode accepts "Debug" or "Release" in any case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "release", "":
		return Release, nil
	}
	return Release, fmt.Errorf("invalid build mode %q", s)
}

// ModeForBuildType maps a CMake build type onto its ABI mode. Only Debug
// changes the ABI; RelWithDebInfo and MinSizeRel link like Release.
func ModeForBuildType(buildType string) Mode {
	if strings.EqualFold(buildType, "debug") {
		return Debug
	}
	return Release
}

// Std is a C++ language standard level. Values are ordinal, so Std98 < Std11.
type Std int

const (
	Std98 Std = iota
	Std11
	Std14
	Std17
	Std20
	Std23
)

var stdYears = [...]int{98, 11, 14, 17, 20, 23}

// Year returns the two-digit standard year, e.g. 17.
func (s Std) Year() int {
	if s < Std98 || int(s) >= len(stdYears) {
		return 0
	}
	return stdYears[s]
}

func (s Std) String() string { return fmt.Sprintf("c++%02d", s.Year()) }

// ParseStd accepts "17", "c++17", "cxx17" and "gnu++17".
func ParseStd(s string) (Std, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	for _, p := range []string{"c++", "cxx", "gnu++"} {
		raw = strings.TrimPrefix(raw, p)
	}
	n, err := strconv.Atoi(raw)
	if err == nil {
		for i, y := range stdYears {
			if y == n {
				return Std(i), nil
			}
		}
	}
	return Std17, fmt.Errorf("invalid C++ standard %q", s)
}

// MustParseStd is ParseStd for constants.
func MustParseStd(s string) Std {
	std, err := ParseStd(s)
	if err != nil {
		panic(err)
	}
	return std
}

// Fingerprint describes everything about a build that decides whether two
// artifacts can be linked together. It is a comparable value type.
type Fingerprint struct {
	Family  toolchain.Family
	Version string // major.minor
	Stdlib  string
	Arch    string
	OS      string
	Mode    Mode
	Std     Std
}

var majorMinorRe = regexp.MustCompile(`^(\d+)(?:\.(\d+))?`)

// New derives the fingerprint of a build. It performs no I/O.
func New(id toolchain.Identity, target toolchain.Target, mode Mode, std Std) Fingerprint {
	stdlib := id.Stdlib
	if stdlib == "" {
		stdlib = "unknown"
	}
	return Fingerprint{
		Family:  id.Family,
		Version: majorMinor(id.Version),
		Stdlib:  stdlib,
		Arch:    target.Arch,
		OS:      target.OS,
		Mode:    mode,
		Std:     std,
	}
}

// majorMinor drops the patch level; patch releases share an ABI within one
// standard library.
func majorMinor(v string) string {
	m := majorMinorRe.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return "0.0"
	}
	minor := m[2]
	if minor == "" {
		minor = "0"
	}
	return m[1] + "." + minor
}

// WithStd returns a copy of f at a different standard level.
func (f Fingerprint) WithStd(std Std) Fingerprint {
	f.Std = std
	return f
}

// WithMode returns a copy of f in a different build mode.
func (f Fingerprint) WithMode(m Mode) Fingerprint {
	f.Mode = m
	return f
}

// IsCompatible reports whether an artifact built as candidate may satisfy a
// consumer that requires required. Everything but the standard level must
// match, and the candidate must be built for at least the required standard.
func IsCompatible(required, candidate Fingerprint) bool {
	return required.Family == candidate.Family &&
		required.Stdlib == candidate.Stdlib &&
		required.Arch == candidate.Arch &&
		required.OS == candidate.OS &&
		required.Mode == candidate.Mode &&
		required.Std <= candidate.Std
}

// Compare orders fingerprints totally: family, version, stdlib, arch, os,
// mode, then standard level.
func Compare(a, b Fingerprint) int {
	if c := cmpInt(int(a.Family), int(b.Family)); c != 0 {
		return c
	}
	if c := compareVersion(a.Version, b.Version); c != 0 {
		return c
	}
	if c := strings.Compare(a.Stdlib, b.Stdlib); c != 0 {
		return c
	}
	if c := strings.Compare(a.Arch, b.Arch); c != 0 {
		return c
	}
	if c := strings.Compare(a.OS, b.OS); c != 0 {
		return c
	}
	if c := cmpInt(int(a.Mode), int(b.Mode)); c != 0 {
		return c
	}
	return cmpInt(int(a.Std), int(b.Std))
}

func compareVersion(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(pa) && i < len(pb); i++ {
		na, errA := strconv.Atoi(pa[i])
		nb, errB := strconv.Atoi(pb[i])
		if errA != nil || errB != nil {
			if c := strings.Compare(pa[i], pb[i]); c != 0 {
				return c
			}
			continue
		}
		if c := cmpInt(na, nb); c != 0 {
			return c
		}
	}
	return cmpInt(len(pa), len(pb))
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// familySlug is the lower-case identifier used in keys and records.
func familySlug(f toolchain.Family) string {
	switch f {
	case toolchain.GCC:
		return "gcc"
	case toolchain.Clang:
		return "clang"
	case toolchain.MSVC:
		return "msvc"
	case toolchain.Unknown:
		return "unknown"
	}
	return "unknown"
}

// Key is the deterministic serialization used inside cache keys, e.g.
// "gcc-13.2-libstdc++-x86_64-linux-release-c++17".
func (f Fingerprint) Key() string {
	return strings.Join([]string{
		familySlug(f.Family),
		f.Version,
		f.Stdlib,
		f.Arch,
		f.OS,
		strings.ToLower(f.Mode.String()),
		f.Std.String(),
	}, "-")
}

func (f Fingerprint) String() string { return f.Key() }

// Record field names. These are stable identifiers shared with registries
// and cache indexes.
const (
	FieldCompiler        = "compiler"
	FieldCompilerVersion = "compiler_version"
	FieldStdlib          = "stdlib"
	FieldCPUArch         = "cpu_arch"
	FieldOS              = "os"
	FieldDebugMode       = "debug_mode"
	FieldCXXStandard     = "cxx_standard"
)

// Record returns the flat key/value form of f.
func (f Fingerprint) Record() map[string]string {
	return map[string]string{
		FieldCompiler:        familySlug(f.Family),
		FieldCompilerVersion: f.Version,
		FieldStdlib:          f.Stdlib,
		FieldCPUArch:         f.Arch,
		FieldOS:              f.OS,
		FieldDebugMode:       strconv.FormatBool(f.Mode == Debug),
		FieldCXXStandard:     f.Std.String(),
	}
}

// FromRecord parses the form produced by Record.
func FromRecord(rec map[string]string) (Fingerprint, error) {
	for _, k := range []string{FieldCompiler, FieldCompilerVersion, FieldStdlib, FieldCPUArch, FieldOS, FieldDebugMode, FieldCXXStandard} {
		if _, ok := rec[k]; !ok {
			return Fingerprint{}, fmt.Errorf("abi record: missing field %q", k)
		}
	}
	family, err := toolchain.ParseFamily(rec[FieldCompiler])
	if err != nil {
		return Fingerprint{}, fmt.Errorf("abi record: %w", err)
	}
	debug, err := strconv.ParseBool(rec[FieldDebugMode])
	if err != nil {
		return Fingerprint{}, fmt.Errorf("abi record: invalid %s %q", FieldDebugMode, rec[FieldDebugMode])
	}
	std, err := ParseStd(rec[FieldCXXStandard])
	if err != nil {
		return Fingerprint{}, fmt.Errorf("abi record: %w", err)
	}
	mode := Release
	if debug {
		mode = Debug
	}
	return Fingerprint{
		Family:  family,
		Version: rec[FieldCompilerVersion],
		Stdlib:  rec[FieldStdlib],
		Arch:    rec[FieldCPUArch],
		OS:      rec[FieldOS],
		Mode:    mode,
		Std:     std,
	}, nil
}

func (f Fingerprint) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Record())
}

func (f *Fingerprint) UnmarshalJSON(data []byte) error {
	var rec map[string]string
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	parsed, err := FromRecord(rec)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
