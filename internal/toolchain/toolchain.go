package toolchain

import (
	"fmt"
	"strings"
)

// Family is the closed set of compiler families abiforge understands.
type Family int

const (
	Unknown Family = iota
	GCC
	Clang
	MSVC
)

// Families lists every known family in probe priority order.
var Families = []Family{GCC, Clang, MSVC}

// String returns the human-readable family name.
func (f Family) String() string {
	switch f {
	case GCC:
		return "GCC"
	case Clang:
		return "Clang"
	case MSVC:
		return "MSVC"
	case Unknown:
		return "Unknown"
	}
	return fmt.Sprintf("Family(%d)", int(f))
}

// ParseFamily accepts the names produced by String and by the flat record
// ("gcc", "clang", "msvc", "unknown"), case-insensitively.
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gcc", "g++":
		return GCC, nil
	case "clang", "clang++":
		return Clang, nil
	case "msvc", "cl", "cl.exe":
		return MSVC, nil
	case "unknown", "":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown compiler family %q", s)
}

// Identity is what detection learned about one host compiler.
// It is a value: detection produces a new one, nothing mutates it.
type Identity struct {
	Family  Family
	Version string
	Path    string
	Stdlib  string
}

// UnknownIdentity is returned when no compiler answers a version query.
func UnknownIdentity() Identity {
	return Identity{Family: Unknown, Version: "0.0", Stdlib: "unknown"}
}

// Known reports whether a real compiler was detected.
func (id Identity) Known() bool { return id.Family != Unknown }

func (id Identity) String() string {
	if !id.Known() {
		return "no compiler detected"
	}
	return fmt.Sprintf("%s %s (%s) at %s", id.Family, id.Version, id.Stdlib, id.Path)
}

// Record returns the flat key/value form used at serialization boundaries.
func (id Identity) Record() map[string]string {
	return map[string]string{
		"compiler":         strings.ToLower(id.Family.String()),
		"compiler_version": id.Version,
		"compiler_path":    id.Path,
		"stdlib":           id.Stdlib,
	}
}
