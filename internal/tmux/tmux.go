// Package tmux manages detached terminal-multiplexer sessions for agents.
package tmux

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/runner"
)

// Session is one live multiplexer session and its leader pid.
type Session struct {
	Name string
	PID  int
}

// Manager is the session surface the rest of overstory depends on.
type Manager interface {
	CreateSession(ctx context.Context, name, cwd, command string) (int, error)
	ListSessions(ctx context.Context) ([]Session, error)
	KillSession(ctx context.Context, name string) error
	IsSessionAlive(ctx context.Context, name string) (bool, error)
	SendKeys(ctx context.Context, name, text string) error
	CapturePane(ctx context.Context, name string, lines int) (string, error)
}

// Tmux drives the tmux binary.
type Tmux struct {
	runner runner.Runner
	bin    string
}

// New returns a Tmux manager over the given binary (normally "tmux").
func New(r runner.Runner, bin string) *Tmux {
	if bin == "" {
		bin = "tmux"
	}
	return &Tmux{runner: r, bin: bin}
}

// CreateSession starts a detached session and returns the session leader's
// pid, recovered from the session listing. Fails if the session exists.
func (t *Tmux) CreateSession(ctx context.Context, name, cwd, command string) (int, error) {
	alive, err := t.IsSessionAlive(ctx, name)
	if err != nil {
		return 0, err
	}
	if alive {
		return 0, fmt.Errorf("%w: session %s already exists", errs.ErrSession, name)
	}

	res, err := t.runner.Run(ctx, "", t.bin, "new-session", "-d", "-s", name, "-c", cwd, command)
	if err != nil {
		return 0, fmt.Errorf("%w: new-session: %v", errs.ErrSession, err)
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("%w: new-session %s: %s", errs.ErrSession, name, errs.Trim(res.Stderr))
	}

	sessions, err := t.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range sessions {
		if s.Name == name {
			return s.PID, nil
		}
	}
	return 0, fmt.Errorf("%w: session %s not in listing after create", errs.ErrSession, name)
}

// ListSessions returns all live sessions. A host with no multiplexer server
// running reports empty, not an error.
func (t *Tmux) ListSessions(ctx context.Context) ([]Session, error) {
	res, err := t.runner.Run(ctx, "", t.bin, "list-sessions", "-F", "#{session_name}:#{pid}")
	if err != nil {
		return nil, fmt.Errorf("%w: list-sessions: %v", errs.ErrSession, err)
	}
	if res.ExitCode != 0 {
		if noServer(res.Stderr) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list-sessions: %s", errs.ErrSession, errs.Trim(res.Stderr))
	}
	return parseSessionList(res.Stdout), nil
}

// KillSession terminates the named session.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	res, err := t.runner.Run(ctx, "", t.bin, "kill-session", "-t", name)
	if err != nil {
		return fmt.Errorf("%w: kill-session: %v", errs.ErrSession, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: kill-session %s: %s", errs.ErrSession, name, errs.Trim(res.Stderr))
	}
	return nil
}

// IsSessionAlive reports whether the named session exists.
func (t *Tmux) IsSessionAlive(ctx context.Context, name string) (bool, error) {
	res, err := t.runner.Run(ctx, "", t.bin, "has-session", "-t", name)
	if err != nil {
		return false, fmt.Errorf("%w: has-session: %v", errs.ErrSession, err)
	}
	return res.ExitCode == 0, nil
}

// SendKeys delivers text to the session followed by Enter.
func (t *Tmux) SendKeys(ctx context.Context, name, text string) error {
	res, err := t.runner.Run(ctx, "", t.bin, "send-keys", "-t", name, text, "Enter")
	if err != nil {
		return fmt.Errorf("%w: send-keys: %v", errs.ErrSession, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: send-keys %s: %s", errs.ErrSession, name, errs.Trim(res.Stderr))
	}
	return nil
}

// CapturePane returns the last lines of the session's pane history.
func (t *Tmux) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	res, err := t.runner.Run(ctx, "", t.bin, "capture-pane", "-p", "-t", name, "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", fmt.Errorf("%w: capture-pane: %v", errs.ErrSession, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%w: capture-pane %s: %s", errs.ErrSession, name, errs.Trim(res.Stderr))
	}
	return res.Stdout, nil
}

// noServer matches the tmux messages that mean "nothing running", which is a
// normal empty state rather than a failure.
func noServer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no server running") ||
		strings.Contains(s, "error connecting to") ||
		strings.Contains(s, "no sessions")
}

func parseSessionList(out string) []Session {
	var sessions []Session
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			continue
		}
		pid, err := strconv.Atoi(line[idx+1:])
		if err != nil {
			continue
		}
		sessions = append(sessions, Session{Name: line[:idx], PID: pid})
	}
	return sessions
}
