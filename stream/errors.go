package stream

import (
	"errors"
	"os/exec"
	"strings"
	"syscall"
)

// User-facing stream failure messages. Raw subprocess errors are never
// shown to the client directly.
const (
	msgCommandNotFound = "Agent command not found. Check that the agent CLI is installed and on PATH."
	msgProcessExited   = "Agent process exited unexpectedly."
	msgConnectionLost  = "Connection to the agent process was lost."
)

// ClassifyStreamError normalizes a raw turn failure into one of a small set
// of human-readable messages.
func ClassifyStreamError(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, syscall.ENOENT) ||
		strings.Contains(err.Error(), "executable file not found") {
		return msgCommandNotFound
	}

	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) ||
		strings.Contains(err.Error(), "broken pipe") {
		return msgConnectionLost
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || strings.Contains(err.Error(), "agent process failed") {
		return msgProcessExited
	}

	return err.Error()
}
