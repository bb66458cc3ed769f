package session

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/claudedeck/claudedeck/log"
)

// ProcessScanner discovers running agent processes and maps them back to
// logical sessions. The mapping is best-effort: nothing in the OS ties a
// process to a session id, so it is inferred through "working directory
// matches a known project path". A session with no matching process simply
// reads as inactive.
type ProcessScanner struct {
	store *LogStore
}

// NewProcessScanner creates a scanner backed by the given log store's
// path index.
func NewProcessScanner(store *LogStore) *ProcessScanner {
	return &ProcessScanner{store: store}
}

// Candidate is one scored process from a scan pass.
type Candidate struct {
	PID       int
	Command   string
	Score     int
	SessionID string
}

// Active runs one scan pass and returns candidates keyed by session id.
// Candidates whose working directory matches no known session but whose
// score exceeds the direct-invocation threshold are kept under a synthetic
// "active-<pid>" key so they are not silently lost. A failed scan degrades
// to an empty result.
func (p *ProcessScanner) Active() map[string]Candidate {
	lines, err := listProcesses()
	if err != nil {
		log.Warn().Err(err).Msg("process scan failed")
		return map[string]Candidate{}
	}

	active := make(map[string]Candidate)
	for _, line := range lines {
		pid, command, ok := parsePSLine(line)
		if !ok {
			continue
		}
		score := ScoreCommand(command)
		if score <= 0 {
			continue
		}

		cand := Candidate{PID: pid, Command: command, Score: score}

		key := ""
		if cwd, err := processCwd(pid); err == nil {
			if id, ok := p.store.SessionIDForPath(cwd); ok {
				cand.SessionID = id
				key = id
			}
		}
		if key == "" {
			if score <= 5 {
				continue
			}
			key = fmt.Sprintf("active-%d", pid)
		}

		// Highest score wins when several processes map to one session
		if prev, exists := active[key]; exists && prev.Score >= cand.Score {
			continue
		}
		active[key] = cand
	}

	return active
}

// FindForSession returns the candidate matched to a session id, if any.
func (p *ProcessScanner) FindForSession(sessionID string) (Candidate, bool) {
	cand, ok := p.Active()[sessionID]
	return cand, ok
}

// ScoreCommand scores a process command line as an agent-session candidate.
// Zero means not a candidate. Direct invocations of the agent binary score
// highest; generic runtime invocations that merely mention the agent score
// progressively lower.
func ScoreCommand(command string) int {
	if strings.Contains(command, "grep") {
		return 0
	}

	fields := strings.Fields(command)
	if len(fields) == 0 {
		return 0
	}
	base := fields[0]
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}

	switch {
	case base == "claude":
		return 10
	case strings.Contains(command, "@anthropic-ai/claude-code"):
		return 8
	case strings.Contains(command, "claude-code"):
		return 7
	case base == "node" && (strings.Contains(command, "claude") || strings.Contains(command, "dist/cli.js")):
		return 5
	case base == "tsx" && strings.Contains(command, "claude"):
		return 3
	}
	return 0
}

// listProcesses returns the raw output lines of a full-width process listing,
// header stripped.
func listProcesses() ([]string, error) {
	out, err := exec.Command("ps", "aux").Output()
	if err != nil {
		return nil, fmt.Errorf("ps aux: %w", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) <= 1 {
		return nil, nil
	}
	return lines[1:], nil
}

// parsePSLine extracts the pid and command from one `ps aux` line.
// Columns: USER PID %CPU %MEM VSZ RSS TTY STAT START TIME COMMAND...
func parsePSLine(line string) (pid int, command string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 11 {
		return 0, "", false
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, "", false
	}
	return pid, strings.Join(fields[10:], " "), true
}

// processCwd resolves a process's working directory via lsof. Fails quietly
// on platforms or processes where it is not resolvable.
func processCwd(pid int) (string, error) {
	out, err := exec.Command("lsof", "-a", "-d", "cwd", "-p", strconv.Itoa(pid), "-Fn").Output()
	if err != nil {
		return "", fmt.Errorf("lsof cwd for pid %d: %w", pid, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "n") {
			return strings.TrimSpace(line[1:]), nil
		}
	}
	return "", fmt.Errorf("no cwd record for pid %d", pid)
}
