package executor

import (
	"errors"
	"fmt"
	"time"

	"abiforge/internal/cache"
)

// Result is the outcome for one plan node.
type Result struct {
	Node     int
	Name     string
	Version  string
	State    State
	Err      error
	Duration time.Duration
	Entry    cache.Entry
	// Hit is set when the artifact came from the cache without building.
	Hit     bool
	LogPath string
}

// Report holds one Result per plan node, indexed like Plan.Nodes.
type Report struct {
	Results []Result
}

// Count returns how many nodes ended in s.
func (r *Report) Count(s State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == s {
			n++
		}
	}
	return n
}

// Built returns the nodes that were built in this run.
func (r *Report) Built() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.State == Cached && !res.Hit {
			out = append(out, res)
		}
	}
	return out
}

func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.State == Failed {
			out = append(out, res)
		}
	}
	return out
}

// Err summarizes every failure that was not merely inherited from a
// dependency. It is nil when every node is Cached.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	var errs []error
	for _, res := range failed {
		if !errors.Is(res.Err, ErrUpstreamFailed) {
			errs = append(errs, res.Err)
		}
	}
	if len(errs) == 0 {
		errs = append(errs, failed[0].Err)
	}
	return fmt.Errorf("%d of %d packages failed: %w", len(failed), len(r.Results), errors.Join(errs...))
}
