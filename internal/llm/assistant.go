// Package llm holds the two AI surfaces overstory drives: the one-shot
// assistant CLI (merge resolution) and the Anthropic API (watchdog triage).
package llm

import (
	"context"
	"fmt"

	"github.com/overstory/overstory/internal/runner"
)

// Assistant is a one-shot completion: prompt in, completion out. The merge
// resolver uses it for tiers 3 and 4.
type Assistant interface {
	Complete(ctx context.Context, cwd, prompt string) (string, error)
}

// CLIAssistant shells out to the assistant CLI in non-interactive mode.
// Stdin carries the prompt; stdout carries the completion.
type CLIAssistant struct {
	runner runner.Runner
	bin    string
	args   []string
}

// NewCLIAssistant returns an assistant driving bin (normally "claude") with
// the given one-shot args (normally ["--print"]).
func NewCLIAssistant(r runner.Runner, bin string, args ...string) *CLIAssistant {
	if bin == "" {
		bin = "claude"
	}
	if len(args) == 0 {
		args = []string{"--print"}
	}
	return &CLIAssistant{runner: r, bin: bin, args: args}
}

func (a *CLIAssistant) Complete(ctx context.Context, cwd, prompt string) (string, error) {
	res, err := a.runner.RunInput(ctx, cwd, prompt, a.bin, a.args...)
	if err != nil {
		return "", fmt.Errorf("assistant: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("assistant exited %d: %s", res.ExitCode, res.Stderr)
	}
	return res.Stdout, nil
}
