package stream

import (
	"encoding/json"
	"testing"
)

func TestExtractToolCallsStructured(t *testing.T) {
	message := json.RawMessage(`{
		"role": "assistant",
		"content": [
			{"type": "text", "text": "let me check"},
			{"type": "tool_use", "name": "Read", "input": {"file_path": "/tmp/a"}},
			{"type": "tool_use", "name": "Bash", "input": {"command": "ls", "timeout": 5}}
		]
	}`)

	calls := ExtractToolCalls(message)
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "Read" || calls[0].Input["file_path"] != "/tmp/a" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].Name != "Bash" || calls[1].Input["command"] != "ls" {
		t.Errorf("second call = %+v", calls[1])
	}
}

func TestExtractToolCallsMarkup(t *testing.T) {
	message := json.RawMessage(`{
		"role": "assistant",
		"content": "I will run this:\n<invoke name=\"Bash\">\n<parameter name=\"command\">rm -rf build</parameter>\n</invoke>"
	}`)

	calls := ExtractToolCalls(message)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Name != "Bash" {
		t.Errorf("name = %q", calls[0].Name)
	}
	if calls[0].Input["command"] != "rm -rf build" {
		t.Errorf("command = %v", calls[0].Input["command"])
	}
}

func TestExtractToolCallsMarkupInsideTextBlock(t *testing.T) {
	message := json.RawMessage(`{
		"role": "assistant",
		"content": [
			{"type": "text", "text": "<invoke name=\"Write\"><parameter name=\"path\">x</parameter><parameter name=\"content\">hello</parameter></invoke>"}
		]
	}`)

	calls := ExtractToolCalls(message)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Name != "Write" || len(calls[0].Input) != 2 {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestExtractToolCallsZeroParams(t *testing.T) {
	message := json.RawMessage(`{
		"role": "assistant",
		"content": "<invoke name=\"TaskList\"></invoke>"
	}`)

	calls := ExtractToolCalls(message)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Name != "TaskList" || len(calls[0].Input) != 0 {
		t.Errorf("call = %+v", calls[0])
	}
}

func TestExtractToolCallsNone(t *testing.T) {
	cases := []string{
		`{"role":"assistant","content":"plain answer"}`,
		`{"role":"assistant","content":[{"type":"text","text":"no tools here"}]}`,
		``,
		`not json`,
	}
	for _, c := range cases {
		if calls := ExtractToolCalls(json.RawMessage(c)); len(calls) != 0 {
			t.Errorf("ExtractToolCalls(%q) = %v, want none", c, calls)
		}
	}
}

func TestAssistantText(t *testing.T) {
	str := json.RawMessage(`{"role":"assistant","content":"hello"}`)
	if got := AssistantText(str); got != "hello" {
		t.Errorf("got %q", got)
	}

	blocks := json.RawMessage(`{"role":"assistant","content":[{"type":"text","text":"a"},{"type":"tool_use","name":"Bash"},{"type":"text","text":"b"}]}`)
	if got := AssistantText(blocks); got != "ab" {
		t.Errorf("got %q", got)
	}
}
