//go:build windows

package runner

import "os/exec"

// setProcessGroup is a no-op on Windows; CommandContext's default kill applies.
func setProcessGroup(cmd *exec.Cmd) {}
