package executor

import (
	"errors"
	"fmt"
)

// State is where a plan node is in its build lifecycle.
type State int

const (
	Pending State = iota
	Resolving
	ConfigurePending
	Configuring
	Building
	Installing
	Cached
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolving:
		return "resolving"
	case ConfigurePending:
		return "configure-pending"
	case Configuring:
		return "configuring"
	case Building:
		return "building"
	case Installing:
		return "installing"
	case Cached:
		return "cached"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == Cached || s == Failed }

var (
	// ErrUpstreamFailed marks a node that was never attempted because one of
	// its dependencies failed.
	ErrUpstreamFailed = errors.New("dependency failed")
	// ErrNoToolchain is returned for nodes that need a compiler when none
	// was detected.
	ErrNoToolchain = errors.New("no usable C++ toolchain detected")
)

// ToolFailureError is an external build tool exiting non-zero.
type ToolFailureError struct {
	Package    string
	Step       string
	ExitCode   int
	Diagnostic string
	LogPath    string // kept, compressed build log
}

func (e *ToolFailureError) Error() string {
	msg := fmt.Sprintf("%s: %s failed with exit code %d", e.Package, e.Step, e.ExitCode)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	if e.LogPath != "" {
		msg += " (log: " + e.LogPath + ")"
	}
	return msg
}
