//go:build !windows

package executor

import (
	"fmt"
	"os/exec"
)

// redirectedCommand wraps a command with the redirection plumbing. The
// command is grouped so compound commands (pipelines, `;` sequences) redirect
// as a whole, and the plumbing stays a separable suffix tests can strip.
func redirectedCommand(command, stdoutPath, stderrPath string) string {
	return fmt.Sprintf("{ %s\n} > %q 2> %q", command, stdoutPath, stderrPath)
}

// shellCommand builds the platform shell invocation for a redirected command.
func shellCommand(redirected string) *exec.Cmd {
	return exec.Command("sh", "-c", redirected)
}
