package tmux

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory/overstory/internal/runner"
)

type fakeRunner struct {
	results map[string]*runner.Result
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, cwd string, name string, args ...string) (*runner.Result, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return &runner.Result{}, nil
}

func (f *fakeRunner) RunInput(ctx context.Context, cwd string, input string, name string, args ...string) (*runner.Result, error) {
	return f.Run(ctx, cwd, name, args...)
}

func TestListSessions_Parses(t *testing.T) {
	fr := &fakeRunner{results: map[string]*runner.Result{
		"tmux list-sessions -F #{session_name}:#{pid}": {
			Stdout: "overstory-impl:1234\noverstory-scout-1:5678\n",
		},
	}}
	tm := New(fr, "tmux")

	sessions, err := tm.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, Session{Name: "overstory-impl", PID: 1234}, sessions[0])
	assert.Equal(t, Session{Name: "overstory-scout-1", PID: 5678}, sessions[1])
}

func TestListSessions_NoServerIsEmpty(t *testing.T) {
	fr := &fakeRunner{results: map[string]*runner.Result{
		"tmux list-sessions -F #{session_name}:#{pid}": {
			ExitCode: 1,
			Stderr:   "no server running on /tmp/tmux-1000/default",
		},
	}}
	tm := New(fr, "tmux")

	sessions, err := tm.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateSession_RecoversPID(t *testing.T) {
	fr := &fakeRunner{results: map[string]*runner.Result{
		// has-session: not found
		"tmux has-session -t overstory-impl": {ExitCode: 1, Stderr: "can't find session"},
		"tmux list-sessions -F #{session_name}:#{pid}": {
			Stdout: "overstory-impl:4321\n",
		},
	}}
	tm := New(fr, "tmux")

	pid, err := tm.CreateSession(context.Background(), "overstory-impl", "/wt/impl", "claude")
	require.NoError(t, err)
	assert.Equal(t, 4321, pid)
	assert.Contains(t, fr.calls, "tmux new-session -d -s overstory-impl -c /wt/impl claude")
}

func TestCreateSession_ExistingSessionFails(t *testing.T) {
	fr := &fakeRunner{results: map[string]*runner.Result{
		"tmux has-session -t overstory-impl": {ExitCode: 0},
	}}
	tm := New(fr, "tmux")

	_, err := tm.CreateSession(context.Background(), "overstory-impl", "/wt/impl", "claude")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestSendKeys_AppendsEnter(t *testing.T) {
	fr := &fakeRunner{results: map[string]*runner.Result{}}
	tm := New(fr, "tmux")

	err := tm.SendKeys(context.Background(), "overstory-impl", "read your mail")
	require.NoError(t, err)
	require.Len(t, fr.calls, 1)
	assert.Equal(t, "tmux send-keys -t overstory-impl read your mail Enter", fr.calls[0])
}

func TestCapturePane(t *testing.T) {
	fr := &fakeRunner{results: map[string]*runner.Result{
		"tmux capture-pane -p -t overstory-impl -S -200": {Stdout: "some output\n"},
	}}
	tm := New(fr, "tmux")

	out, err := tm.CapturePane(context.Background(), "overstory-impl", 200)
	require.NoError(t, err)
	assert.Equal(t, "some output\n", out)
}
