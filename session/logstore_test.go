package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeLog(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestListSessionsParsesLog(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj-a")
	writeLog(t, dir, "abc123.jsonl",
		`{"type":"init","timestamp":"2026-01-02T10:00:00Z","data":{"cwd":"/home/me/proj-a"}}`,
		`{"type":"user","timestamp":"2026-01-02T10:00:05Z","message":{"role":"user","content":"hello"}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:10Z","message":{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use","name":"Read","input":{"path":"x"}}]}}`,
	)

	store := NewLogStore(root)
	sessions := store.ListSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}

	info := sessions[0]
	if info.ID != "abc123" {
		t.Errorf("id = %q, want abc123", info.ID)
	}
	if info.ProjectPath != "/home/me/proj-a" {
		t.Errorf("projectPath = %q", info.ProjectPath)
	}
	if info.Name != "proj-a" {
		t.Errorf("name = %q, want proj-a", info.Name)
	}
	if info.MessageCount != 2 {
		t.Errorf("messageCount = %d, want 2", info.MessageCount)
	}
	if info.ToolCalls != 1 {
		t.Errorf("toolCalls = %d, want 1", info.ToolCalls)
	}
	wantStart := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	if !info.StartTime.Equal(wantStart) {
		t.Errorf("startTime = %v", info.StartTime)
	}
	wantLast := time.Date(2026, 1, 2, 10, 0, 10, 0, time.UTC)
	if !info.LastUpdateTime.Equal(wantLast) {
		t.Errorf("lastUpdateTime = %v", info.LastUpdateTime)
	}
}

func TestListSessionsSkipsMalformedLines(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj-b")
	writeLog(t, dir, "sess1.jsonl",
		`not json at all`,
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":"ok"}}`,
		`{"broken`,
	)

	store := NewLogStore(root)
	sessions := store.ListSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].MessageCount != 1 {
		t.Errorf("messageCount = %d, want 1", sessions[0].MessageCount)
	}
}

func TestListSessionsOmitsUnparsableLog(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj-c")
	writeLog(t, dir, "bad.jsonl", `garbage`, `more garbage`)

	store := NewLogStore(root)
	if got := store.ListSessions(); len(got) != 0 {
		t.Fatalf("expected no sessions, got %d", len(got))
	}
}

func TestListSessionsUsesNewestLogFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj-d")
	old := writeLog(t, dir, "old.jsonl",
		`{"type":"user","timestamp":"2026-01-01T00:00:00Z","message":{"role":"user","content":"old"}}`,
	)
	writeLog(t, dir, "new.jsonl",
		`{"type":"user","timestamp":"2026-01-02T00:00:00Z","message":{"role":"user","content":"new"}}`,
	)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	store := NewLogStore(root)
	sessions := store.ListSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].ID != "new" {
		t.Errorf("id = %q, want new", sessions[0].ID)
	}
}

func TestListSessionsMetadataOverrides(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj-e")
	writeLog(t, dir, "sess9.jsonl",
		`{"type":"init","timestamp":"2026-01-02T10:00:00Z","data":{"cwd":"/derived/path"}}`,
	)
	meta, _ := json.Marshal(Metadata{SessionID: "sess9", ProjectPath: "/real/path", PID: 4242})
	if err := os.WriteFile(filepath.Join(dir, "session.json"), meta, 0644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	store := NewLogStore(root)
	sessions := store.ListSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].ProjectPath != "/real/path" {
		t.Errorf("projectPath = %q, want /real/path", sessions[0].ProjectPath)
	}
	if sessions[0].Name != "path" {
		t.Errorf("name = %q, want path", sessions[0].Name)
	}
	if sessions[0].PID != 4242 {
		t.Errorf("pid = %d, want 4242", sessions[0].PID)
	}
}

func TestListSessionsBranchFromGitStatus(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj-f")
	writeLog(t, dir, "sessb.jsonl",
		`{"type":"environment","timestamp":"2026-01-02T10:00:00Z","data":{"workingDirectory":"/w","gitStatus":"Current branch: feature/login\nStatus: clean"}}`,
	)

	store := NewLogStore(root)
	sessions := store.ListSessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].CurrentBranch != "feature/login" {
		t.Errorf("branch = %q", sessions[0].CurrentBranch)
	}
	if sessions[0].ProjectPath != "/w" {
		t.Errorf("projectPath = %q", sessions[0].ProjectPath)
	}
}

func TestListSessionsMissingRoot(t *testing.T) {
	store := NewLogStore(filepath.Join(t.TempDir(), "does-not-exist"))
	if got := store.ListSessions(); len(got) != 0 {
		t.Fatalf("expected no sessions, got %d", len(got))
	}
}

func TestHistoryRendersToolUse(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj-g")
	writeLog(t, dir, "hist1.jsonl",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":"run it"}}`,
		`{"type":"assistant","timestamp":"2026-01-02T10:00:05Z","message":{"role":"assistant","content":[{"type":"text","text":"sure"},{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
	)

	store := NewLogStore(root)
	hist, err := store.History("hist1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(hist.Messages))
	}

	asst := hist.Messages[1]
	if asst.Role != "assistant" {
		t.Errorf("role = %q", asst.Role)
	}
	if !strings.Contains(asst.Content, "sure") {
		t.Errorf("content missing text: %q", asst.Content)
	}
	if !strings.Contains(asst.Content, "```tool_use") || !strings.Contains(asst.Content, "Tool: Bash") {
		t.Errorf("content missing tool_use block: %q", asst.Content)
	}
	if len(asst.ToolUses) != 1 || asst.ToolUses[0] != "Bash" {
		t.Errorf("toolUses = %v", asst.ToolUses)
	}
}

func TestHistoryNotFound(t *testing.T) {
	store := NewLogStore(t.TempDir())
	if _, err := store.History("nope"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestHistoryFoundByDirectorySearch(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "some-project-dir")
	writeLog(t, dir, "deadbeef.jsonl",
		`{"type":"user","timestamp":"2026-01-02T10:00:00Z","message":{"role":"user","content":"hi"}}`,
	)

	store := NewLogStore(root)
	hist, err := store.History("deadbeef")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(hist.Messages))
	}
}

func TestSessionIDForPath(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj-h")
	writeLog(t, dir, "match1.jsonl",
		`{"type":"init","timestamp":"2026-01-02T10:00:00Z","data":{"cwd":"/home/me/widget"}}`,
	)

	store := NewLogStore(root)
	id, ok := store.SessionIDForPath("/home/me/widget")
	if !ok || id != "match1" {
		t.Fatalf("got (%q, %v), want (match1, true)", id, ok)
	}
	if _, ok := store.SessionIDForPath("/elsewhere"); ok {
		t.Fatal("unexpected match for unknown path")
	}
}
