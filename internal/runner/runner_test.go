//go:build !windows

package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_CapturesStdout(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "", "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	r := New()
	res, err := r.Run(context.Background(), "", "sh", "-c", "echo oops >&2; exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestRun_MissingExecutableIsAnError(t *testing.T) {
	r := New()
	_, err := r.Run(context.Background(), "", "definitely-not-a-real-binary-xyz")
	assert.Error(t, err)
}

func TestRun_RespectsCwd(t *testing.T) {
	r := New()
	dir := t.TempDir()
	res, err := r.Run(context.Background(), dir, "pwd")
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, dir)
}

func TestRunInput_FeedsStdin(t *testing.T) {
	r := New()
	res, err := r.RunInput(context.Background(), "", "ping\n", "cat")
	require.NoError(t, err)
	assert.Equal(t, "ping\n", res.Stdout)
}
