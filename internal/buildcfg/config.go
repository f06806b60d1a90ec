package buildcfg

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"lukechampine.com/blake3"
)

const (
	DefaultBuildType     = "Release"
	DefaultInstallPrefix = "/usr/local"
)

// Configuration is the effective build configuration of one graph node.
// Propagate produces it; nothing modifies it afterwards.
type Configuration struct {
	BuildType     string   `json:"build_type"`
	InstallPrefix string   `json:"install_prefix"`
	Args          []string `json:"args,omitempty"`
	Verbose       bool     `json:"verbose,omitempty"`
	Features      []string `json:"features,omitempty"` // sorted, unique
}

// HasFeature reports whether f is enabled.
func (c Configuration) HasFeature(f string) bool {
	_, ok := slices.BinarySearch(c.Features, f)
	return ok
}

// Equal compares configurations field by field.
func (c Configuration) Equal(o Configuration) bool {
	return c.BuildType == o.BuildType &&
		c.InstallPrefix == o.InstallPrefix &&
		c.Verbose == o.Verbose &&
		slices.Equal(c.Args, o.Args) &&
		slices.Equal(c.Features, o.Features)
}

// canonical is the byte-stable encoding hashed by Hash.
func (c Configuration) canonical() string {
	var b strings.Builder
	fmt.Fprintf(&b, "build_type=%s\n", c.BuildType)
	fmt.Fprintf(&b, "install_prefix=%s\n", c.InstallPrefix)
	b.WriteString("args=")
	for _, a := range c.Args {
		b.WriteString(strconv.Quote(a))
		b.WriteByte(' ')
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "verbose=%t\n", c.Verbose)
	fmt.Fprintf(&b, "features=%s\n", strings.Join(c.Features, ","))
	return b.String()
}

// Hash is a hex BLAKE3 digest of the configuration. Equal configurations
// always hash the same; argument order matters, feature order does not.
func (c Configuration) Hash() string {
	h := blake3.New(32, nil)
	h.Write([]byte(c.canonical()))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ShortHash is the first 12 hex digits of Hash, for display.
func (c Configuration) ShortHash() string { return c.Hash()[:12] }

func normalizeFeatures(fs ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range fs {
		for _, f := range list {
			f = strings.TrimSpace(f)
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
