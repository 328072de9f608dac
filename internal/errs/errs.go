// Package errs defines the error kinds surfaced by overstory subsystems.
// Each kind is a sentinel; components wrap with fmt.Errorf("%w: ...", errs.ErrX)
// so callers can branch with errors.Is and the CLI can label failures.
package errs

import (
	"errors"
	"strings"
)

var (
	ErrConfig     = errors.New("config")
	ErrValidation = errors.New("validation")
	ErrWorktree   = errors.New("worktree")
	ErrSession    = errors.New("session")
	ErrAgent      = errors.New("agent")
	ErrMail       = errors.New("mail")
	ErrMerge      = errors.New("merge")
)

var kinds = []error{
	ErrConfig,
	ErrValidation,
	ErrWorktree,
	ErrSession,
	ErrAgent,
	ErrMail,
	ErrMerge,
}

// Kind returns the subsystem label for err, or "" if err carries no kind.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return ""
}

// maxToolOutput bounds how much of an external tool's stderr is surfaced.
const maxToolOutput = 500

// Trim strips leading and trailing whitespace and truncates tool output to
// maxToolOutput bytes for user-visible errors.
func Trim(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxToolOutput {
		s = s[:maxToolOutput]
	}
	return s
}
