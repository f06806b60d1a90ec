package resolve

import (
	"fmt"
	"strings"

	"abiforge/internal/abi"
)

// VersionError means no available version satisfies every constraint on a
// package.
type VersionError struct {
	Package     string
	Constraints []string // "constraint (from requester)"
	Cause       error
}

func (e *VersionError) Error() string {
	msg := fmt.Sprintf("no version of %s satisfies %s", e.Package, strings.Join(e.Constraints, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *VersionError) Unwrap() error { return e.Cause }

// CycleError reports a dependency cycle. Path starts and ends with the same
// package.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// IncompatibleError reports a dependency whose artifact cannot satisfy
// every requester, after remediation failed. PathA is the requester that
// cannot be satisfied; PathB is the path the dependency was resolved for.
type IncompatibleError struct {
	Package      string
	PathA        []string
	FingerprintA abi.Fingerprint
	PathB        []string
	FingerprintB abi.Fingerprint
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("ABI incompatibility on %s: %s requires %s, %s provides %s",
		e.Package,
		strings.Join(e.PathA, " -> "), e.FingerprintA.Key(),
		strings.Join(e.PathB, " -> "), e.FingerprintB.Key())
}
