package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/claudedeck/claudedeck/log"
)

// LogStore reads durable per-session conversation logs. The root directory
// holds one subdirectory per project; each subdirectory may contain an
// optional session.json metadata record and one or more append-only JSONL
// log files, of which the most recently modified is authoritative.
type LogStore struct {
	root string
}

// NewLogStore creates a log store rooted at dir.
func NewLogStore(dir string) *LogStore {
	return &LogStore{root: dir}
}

// logRecord is one line of a session JSONL file. Only the fields this
// subsystem cares about; everything else is ignored.
type logRecord struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	CWD       string `json:"cwd"`
	Data      *struct {
		CWD              string `json:"cwd"`
		WorkingDirectory string `json:"workingDirectory"`
		GitStatus        string `json:"gitStatus"`
	} `json:"data"`
	Message *struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

// contentBlock is one element of a structured assistant/user content array.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

var branchRe = regexp.MustCompile(`Current branch: (.+)`)

// ListSessions scans the root directory and returns a summary for every
// session with at least one parsable log record. An unreadable root is
// treated as "no sessions", not an error.
func (s *LogStore) ListSessions() []*Info {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		log.Debug().Err(err).Str("root", s.root).Msg("projects directory unreadable")
		return nil
	}

	var sessions []*Info
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if info := s.parseSessionDir(filepath.Join(s.root, entry.Name())); info != nil {
			sessions = append(sessions, info)
		}
	}
	return sessions
}

// GetSession returns the summary for one session id, or ErrNotFound.
func (s *LogStore) GetSession(id string) (*Info, error) {
	for _, info := range s.ListSessions() {
		if info.ID == id {
			return info, nil
		}
	}
	return nil, ErrNotFound
}

// SessionIDForPath maps a working directory to a session id, used by the
// process scanner to tie a running process back to a logical session.
func (s *LogStore) SessionIDForPath(cwd string) (string, bool) {
	for _, info := range s.ListSessions() {
		if info.ProjectPath == cwd {
			return info.ID, true
		}
	}
	return "", false
}

// parseSessionDir parses one session directory into a summary.
// Returns nil when the directory holds no usable log.
func (s *LogStore) parseSessionDir(dir string) *Info {
	meta := readMetadata(filepath.Join(dir, "session.json"))

	logPath, sessionID, err := newestLogFile(dir)
	if err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("no usable session log")
		return nil
	}

	info, ok := s.parseLogFile(logPath, sessionID)
	if !ok {
		return nil
	}

	// Metadata overrides what the log derived
	if meta != nil {
		if meta.ProjectPath != "" {
			info.ProjectPath = meta.ProjectPath
			info.Name = filepath.Base(meta.ProjectPath)
		}
		if meta.PID != 0 {
			info.PID = meta.PID
		}
	}

	return info
}

// newestLogFile returns the most recently modified .jsonl file in dir and the
// session id derived from its basename. The directory name and the session id
// need not coincide.
func newestLogFile(dir string) (path, sessionID string, err error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return "", "", err
	}

	var newest string
	var newestMod time.Time
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
			continue
		}
		fi, err := f.Info()
		if err != nil {
			continue
		}
		if newest == "" || fi.ModTime().After(newestMod) {
			newest = f.Name()
			newestMod = fi.ModTime()
		}
	}

	if newest == "" {
		return "", "", fmt.Errorf("no log files in %s", dir)
	}
	return filepath.Join(dir, newest), strings.TrimSuffix(newest, ".jsonl"), nil
}

// parseLogFile derives a session summary from a JSONL log. Malformed lines
// are skipped silently; a file with zero parsable records yields no session.
func (s *LogStore) parseLogFile(path, sessionID string) (*Info, bool) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer file.Close()

	info := &Info{ID: sessionID}
	parsed := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		parsed++

		if ts, ok := parseTimestamp(rec.Timestamp); ok {
			if info.StartTime.IsZero() || ts.Before(info.StartTime) {
				info.StartTime = ts
			}
			if info.LastUpdateTime.IsZero() || ts.After(info.LastUpdateTime) {
				info.LastUpdateTime = ts
			}
		}

		// Working directory comes under several historical field names
		switch {
		case rec.CWD != "":
			info.ProjectPath = rec.CWD
		case rec.Type == "init" && rec.Data != nil && rec.Data.CWD != "":
			info.ProjectPath = rec.Data.CWD
		case rec.Type == "environment" && rec.Data != nil && rec.Data.WorkingDirectory != "":
			info.ProjectPath = rec.Data.WorkingDirectory
		}

		role := rec.Type
		if rec.Message != nil && rec.Message.Role != "" {
			role = rec.Message.Role
		}
		switch role {
		case "user":
			info.MessageCount++
		case "assistant":
			info.MessageCount++
			if rec.Message != nil {
				info.ToolCalls += countToolUses(rec.Message.Content)
			}
		}

		if rec.Type == "environment" && rec.Data != nil && rec.Data.GitStatus != "" {
			if m := branchRe.FindStringSubmatch(rec.Data.GitStatus); m != nil {
				info.CurrentBranch = strings.TrimSpace(m[1])
			}
		}
	}

	if parsed == 0 {
		return nil, false
	}

	if info.ProjectPath != "" {
		info.Name = filepath.Base(info.ProjectPath)
	} else {
		info.Name = sessionID
	}
	if info.StartTime.IsZero() {
		if fi, err := os.Stat(path); err == nil {
			info.StartTime = fi.ModTime()
			info.LastUpdateTime = fi.ModTime()
		}
	}

	return info, true
}

// History replays the session log into an ordered message sequence.
func (s *LogStore) History(sessionID string) (*History, error) {
	logPath, err := s.findLogFile(sessionID)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(logPath)
	if err != nil {
		return nil, ErrNotFound
	}
	defer file.Close()

	hist := &History{SessionID: sessionID, Messages: []Message{}}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}

		ts, hasTS := parseTimestamp(rec.Timestamp)
		if hasTS {
			if hist.StartTime.IsZero() || ts.Before(hist.StartTime) {
				hist.StartTime = ts
			}
			if hist.LastUpdateTime.IsZero() || ts.After(hist.LastUpdateTime) {
				hist.LastUpdateTime = ts
			}
		}

		switch {
		case rec.Type == "init" && rec.Data != nil && rec.Data.CWD != "":
			hist.ProjectPath = rec.Data.CWD
		case rec.Type == "environment" && rec.Data != nil && rec.Data.WorkingDirectory != "":
			hist.ProjectPath = rec.Data.WorkingDirectory
		}

		if (rec.Type == "user" || rec.Type == "assistant") && rec.Message != nil {
			content, toolUses := flattenContent(rec.Message.Content)
			if rec.Message.Role == "" || content == "" && len(toolUses) == 0 {
				continue
			}
			msg := Message{
				Role:     rec.Message.Role,
				Content:  content,
				ToolUses: toolUses,
			}
			if hasTS {
				msg.Timestamp = ts
			}
			hist.Messages = append(hist.Messages, msg)
		}
	}

	return hist, nil
}

// findLogFile locates the JSONL file for a session id: either the session id
// is a directory name, or some directory contains <id>.jsonl.
func (s *LogStore) findLogFile(sessionID string) (string, error) {
	direct := filepath.Join(s.root, sessionID)
	if fi, err := os.Stat(direct); err == nil && fi.IsDir() {
		// Prefer a log named after the session, else the newest one
		candidate := filepath.Join(direct, sessionID+".jsonl")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		if path, _, err := newestLogFile(direct); err == nil {
			return path, nil
		}
		return "", ErrNotFound
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", ErrNotFound
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(s.root, entry.Name(), sessionID+".jsonl")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", ErrNotFound
}

// flattenContent renders a message content value to display text and collects
// the names of embedded tool-use blocks. Content is either a plain string or
// a structured block array.
func flattenContent(raw json.RawMessage) (string, []string) {
	if len(raw) == 0 {
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw), nil
	}

	var b strings.Builder
	var toolUses []string
	for _, blk := range blocks {
		switch blk.Type {
		case "text":
			b.WriteString(blk.Text)
		case "tool_use":
			toolUses = append(toolUses, blk.Name)
			input := "{}"
			if len(blk.Input) > 0 {
				if pretty, err := json.MarshalIndent(json.RawMessage(blk.Input), "", "  "); err == nil {
					input = string(pretty)
				}
			}
			fmt.Fprintf(&b, "\n```tool_use\nTool: %s\nInput: %s\n```\n", blk.Name, input)
		default:
			if data, err := json.Marshal(blk); err == nil {
				b.Write(data)
			}
		}
	}
	return b.String(), toolUses
}

// countToolUses counts tool_use blocks inside a structured content array.
// String content never carries structured tool uses.
func countToolUses(raw json.RawMessage) int {
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return 0
	}
	count := 0
	for _, blk := range blocks {
		if blk.Type == "tool_use" {
			count++
		}
	}
	return count
}

// readMetadata reads an optional session.json file. Missing or malformed
// metadata is simply absent.
func readMetadata(path string) *Metadata {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

// parseTimestamp accepts the RFC3339 variants that appear in session logs.
func parseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts, true
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, true
	}
	return time.Time{}, false
}
