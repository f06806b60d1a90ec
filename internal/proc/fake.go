package proc

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc answers a single command for a FakeRunner.
type HandlerFunc func(ctx context.Context, cmd Command) (Result, error)

// FakeRunner is an in-memory Runner for tests. Commands are dispatched on
// their Name; unknown names behave like a missing executable.
type FakeRunner struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	calls    []Command
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn for commands named name.
func (f *FakeRunner) Handle(name string, fn HandlerFunc) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = fn
	return f
}

// Respond registers a fixed result for commands named name.
func (f *FakeRunner) Respond(name string, res Result) *FakeRunner {
	return f.Handle(name, func(context.Context, Command) (Result, error) { return res, nil })
}

func (f *FakeRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	h, ok := f.handlers[cmd.Name]
	f.mu.Unlock()

	if !ok {
		return Result{ExitCode: -1}, fmt.Errorf("%s: %w", cmd.Name, ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("command aborted: %w", err)
	}
	return h(ctx, cmd)
}

// Calls returns a copy of every command seen so far.
func (f *FakeRunner) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsFor returns the commands whose Dir equals dir.
func (f *FakeRunner) CallsFor(dir string) []Command {
	var out []Command
	for _, c := range f.Calls() {
		if c.Dir == dir {
			out = append(out, c)
		}
	}
	return out
}
