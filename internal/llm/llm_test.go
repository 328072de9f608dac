package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory/overstory/internal/runner"
)

type fakeRunner struct {
	result   *runner.Result
	gotInput string
	gotArgs  []string
}

func (f *fakeRunner) Run(ctx context.Context, cwd string, name string, args ...string) (*runner.Result, error) {
	return f.RunInput(ctx, cwd, "", name, args...)
}

func (f *fakeRunner) RunInput(ctx context.Context, cwd string, input string, name string, args ...string) (*runner.Result, error) {
	f.gotInput = input
	f.gotArgs = append([]string{name}, args...)
	return f.result, nil
}

func TestCLIAssistant_PromptOnStdinCompletionOnStdout(t *testing.T) {
	fr := &fakeRunner{result: &runner.Result{Stdout: "resolved content\n"}}
	a := NewCLIAssistant(fr, "claude")

	out, err := a.Complete(context.Background(), "/repo", "merge this")
	require.NoError(t, err)
	assert.Equal(t, "resolved content\n", out)
	assert.Equal(t, "merge this", fr.gotInput)
	assert.Equal(t, []string{"claude", "--print"}, fr.gotArgs)
}

func TestCLIAssistant_NonZeroExitFails(t *testing.T) {
	fr := &fakeRunner{result: &runner.Result{ExitCode: 1, Stderr: "rate limited"}}
	a := NewCLIAssistant(fr, "claude")

	_, err := a.Complete(context.Background(), "", "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestStripFence(t *testing.T) {
	assert.Equal(t, `{"action":"retry"}`, stripFence("```json\n{\"action\":\"retry\"}\n```"))
	assert.Equal(t, `{"action":"retry"}`, stripFence(`{"action":"retry"}`))
}
