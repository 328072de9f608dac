// Package runner launches external commands and captures their streams.
// It imposes no timeout of its own; callers bound calls through ctx. Children
// run in their own process group so a ctx cancellation kills the whole tree.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr joined, for callers that scan for
// tool messages that may land on either stream.
func (r *Result) Combined() string {
	return r.Stdout + r.Stderr
}

// Runner executes external commands.
type Runner interface {
	// Run executes name with args in cwd (empty cwd inherits the caller's).
	// A non-zero exit is not an error: it is reported through Result.ExitCode.
	// An error means the command could not be run at all.
	Run(ctx context.Context, cwd string, name string, args ...string) (*Result, error)

	// RunInput is Run with stdin fed from input.
	RunInput(ctx context.Context, cwd string, input string, name string, args ...string) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// New returns an ExecRunner.
func New() *ExecRunner {
	return &ExecRunner{}
}

func (e *ExecRunner) Run(ctx context.Context, cwd string, name string, args ...string) (*Result, error) {
	return e.RunInput(ctx, cwd, "", name, args...)
}

func (e *ExecRunner) RunInput(ctx context.Context, cwd string, input string, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cwd
	if input != "" {
		cmd.Stdin = strings.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	setProcessGroup(cmd)

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			if ctx.Err() != nil {
				return res, fmt.Errorf("run %s: %w", name, ctx.Err())
			}
			return res, nil
		}
		return nil, fmt.Errorf("run %s %s: %w", name, strings.Join(args, " "), err)
	}
	return res, nil
}
