package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNotFound is returned when the requested executable cannot be started.
var ErrNotFound = errors.New("executable not found")

// Command describes a single external invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the inherited environment.
	Env []string
	// Stdout, when set, receives a copy of both output streams as they are
	// produced (typically a per-node log file).
	Stdout io.Writer
}

func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited with status zero.
func (r Result) Success() bool { return r.ExitCode == 0 }

// Diagnostic returns the captured output most useful for a failure report.
func (r Result) Diagnostic() string {
	out := strings.TrimSpace(r.Stderr)
	if out == "" {
		out = strings.TrimSpace(r.Stdout)
	}
	return out
}

// Runner executes commands and blocks until they finish.
//
// A non-zero exit is not an error: it is reported through Result.ExitCode.
// Errors are reserved for commands that could not be started or were aborted.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands on the host. Each child is placed in its own
// process group so that cancelling the context kills everything it spawned,
// not just the direct child.
type ExecRunner struct {
	ApplyIdlePriority bool // Apply nice -n 19 to every command
}

func (e *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	name, args := c.Name, c.Args
	if e.ApplyIdlePriority {
		args = append([]string{"-n", "19", name}, args...)
		name = "nice"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	if c.Stdout != nil {
		cmd.Stdout = io.MultiWriter(&stdout, c.Stdout)
		cmd.Stderr = io.MultiWriter(&stderr, c.Stdout)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return Result{ExitCode: -1}, fmt.Errorf("%s: %w", c.Name, ErrNotFound)
		}
		return Result{ExitCode: -1}, fmt.Errorf("failed to start command: %w", err)
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = unix.Kill(-pgid, unix.SIGKILL)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		// give the group a moment to be reaped before the caller cleans up
		time.Sleep(100 * time.Millisecond)
		res.ExitCode = -1
		return res, fmt.Errorf("command aborted: %w", ctx.Err())
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, waitErr
	}
	return res, nil
}

// WithTempDir creates a temporary directory under base, passes it to fn and
// removes it on every exit path, including panics and cancellation.
func WithTempDir(base, pattern string, fn func(dir string) error) (err error) {
	if base != "" {
		if err := os.MkdirAll(base, 0o755); err != nil {
			return fmt.Errorf("failed to create temp base %s: %w", base, err)
		}
	}
	dir, err := os.MkdirTemp(base, pattern)
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil && err == nil {
			err = fmt.Errorf("failed to remove temp dir %s: %w", dir, rmErr)
		}
	}()
	return fn(dir)
}
