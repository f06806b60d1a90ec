package toolchain

import (
	"fmt"
	"runtime"
	"strings"
)

// Target is the cpu architecture and operating system artifacts are built for.
type Target struct {
	Arch string
	OS   string
}

func (t Target) String() string { return t.Arch + "-" + t.OS }

// HostTarget returns the normalized target of the running process.
func HostTarget() Target {
	return Target{Arch: NormalizeArch(runtime.GOARCH), OS: NormalizeOS(runtime.GOOS)}
}

// ParseTarget parses "arch-os", e.g. "x86_64-linux" or "arm64-darwin".
func ParseTarget(s string) (Target, error) {
	arch, os, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok || arch == "" || os == "" {
		return Target{}, fmt.Errorf("invalid target %q: want <arch>-<os>", s)
	}
	return Target{Arch: NormalizeArch(arch), OS: NormalizeOS(os)}, nil
}

// NormalizeArch maps Go and uname spellings onto one name per architecture.
func NormalizeArch(arch string) string {
	switch arch = strings.ToLower(arch); arch {
	case "amd64", "x64", "x86-64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386", "i386", "x86":
		return "i686"
	case "armv7l", "armhf":
		return "arm"
	}
	return arch
}

// NormalizeOS maps Go spellings onto the names used in fingerprints.
func NormalizeOS(os string) string {
	switch os = strings.ToLower(os); os {
	case "darwin", "macosx", "osx":
		return "macos"
	}
	return os
}
