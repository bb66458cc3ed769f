package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/claudedeck/claudedeck/log"
)

// CLIRunner runs turns through the agent's command-line binary in
// streaming JSON mode, one subprocess per turn.
type CLIRunner struct {
	// Command is the agent binary name or path.
	Command string
}

// NewCLIRunner creates a runner for the given agent command.
func NewCLIRunner(command string) *CLIRunner {
	return &CLIRunner{Command: command}
}

// Run starts one turn. The returned stream's events channel carries every
// line the agent emits, in order, and closes when the subprocess exits.
func (r *CLIRunner) Run(ctx context.Context, prompt string, opts Options) (TurnStream, error) {
	runCtx, cancel := context.WithCancel(ctx)

	args := buildArgs(prompt, opts)
	cmd := exec.CommandContext(runCtx, r.Command, args...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}

	// SIGINT first so the agent can flush its session log
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	log.Debug().
		Int("pid", cmd.Process.Pid).
		Str("session_id", opts.SessionID).
		Msg("agent turn started")

	stream := &Stream{
		events: make(chan Message, 16),
		cancel: cancel,
	}

	go func() {
		defer close(stream.events)
		defer cancel()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(line), &msg); err != nil {
				log.Debug().Str("line", truncate(line, 200)).Msg("skipping unparsable agent output")
				continue
			}
			select {
			case stream.events <- msg:
			case <-runCtx.Done():
				// Drain the rest so Wait can reap the process
			}
		}

		waitErr := cmd.Wait()
		switch {
		case runCtx.Err() != nil && waitErr != nil:
			// Cancelled turn, not an agent failure
			stream.err = context.Canceled
		case waitErr != nil:
			stream.err = fmt.Errorf("agent process failed: %w (stderr: %s)",
				waitErr, truncate(strings.TrimSpace(stderr.String()), 500))
		}
	}()

	return stream, nil
}

// buildArgs constructs the agent invocation for one streamed turn.
func buildArgs(prompt string, opts Options) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}

	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	if opts.SessionID != "" {
		args = append(args, "--resume", opts.SessionID)
	}

	return append(args, prompt)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
